package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/mithermo/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement interface
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *BLEAdvertisement) RSSI() int         { return a.adv.RSSI() }

// Addr is empty on platforms that hide the peer address (CoreBluetooth reports a UUID instead).
func (a *BLEAdvertisement) Addr() string {
	addr := a.adv.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ServiceData keys entries by device.NormalizeUUID (short UUIDs stay short, e.g. "181a").
// When a UUID repeats, the last entry wins.
func (a *BLEAdvertisement) ServiceData() map[string][]byte {
	entries := a.adv.ServiceData()
	if len(entries) == 0 {
		return nil
	}
	result := make(map[string][]byte, len(entries))
	for _, sd := range entries {
		result[device.NormalizeUUID(sd.UUID.String())] = sd.Data
	}
	return result
}

// Unwrap returns the underlying ble.Advertisement
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}
