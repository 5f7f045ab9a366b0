// Package tinygo implements device.ScanningDevice over tinygo.org/x/bluetooth,
// which talks to BlueZ over D-Bus on linux and needs no raw HCI privileges.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/mithermo/internal/device"
	"github.com/srg/mithermo/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// DefaultAdapterID is the BlueZ adapter used when none is configured.
const DefaultAdapterID = "hci0"

// radio is the part of bluetooth.Adapter the scanner drives. Scan blocks
// until StopScan is called.
type radio interface {
	Scan(handler func(device.Advertisement)) error
	StopScan() error
}

// payload is the subset of bluetooth.AdvertisementPayload that carries the
// fields a device.Advertisement exposes.
type payload interface {
	LocalName() string
	ServiceData() []bluetooth.ServiceDataElement
}

type advertisement struct {
	addr        string
	name        string
	rssi        int
	serviceData map[string][]byte
}

func newAdvertisement(addr string, rssi int16, p payload) *advertisement {
	adv := &advertisement{addr: addr, name: p.LocalName(), rssi: int(rssi)}
	if elems := p.ServiceData(); len(elems) > 0 {
		adv.serviceData = make(map[string][]byte, len(elems))
		for _, sd := range elems {
			adv.serviceData[uuidString(sd.UUID)] = sd.Data
		}
	}
	return adv
}

func (a *advertisement) Addr() string                   { return a.addr }
func (a *advertisement) LocalName() string              { return a.name }
func (a *advertisement) ServiceData() map[string][]byte { return a.serviceData }
func (a *advertisement) RSSI() int                      { return a.rssi }

// uuidString renders SIG-assigned UUIDs in their 16-bit form, as go-ble does.
func uuidString(u bluetooth.UUID) string {
	return device.NormalizeUUID(u.String())
}

type adapterRadio struct {
	adapter *bluetooth.Adapter
}

func (r *adapterRadio) Scan(handler func(device.Advertisement)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		handler(newAdvertisement(result.Address.String(), result.RSSI, result))
	})
}

func (r *adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}

// ScanningDevice is a device.ScanningDevice over one tinygo bluetooth adapter.
type ScanningDevice struct {
	radio radio

	mu       sync.Mutex
	scanning bool
}

// NewScanningDevice enables the adapter identified by adapterID and returns a
// scanning device for it.
func NewScanningDevice(adapterID string) (*ScanningDevice, error) {
	if adapterID == "" {
		adapterID = DefaultAdapterID
	}
	adapter := newAdapter(adapterID)
	if err := adapter.Enable(); err != nil {
		return nil, device.NormalizeError(fmt.Errorf("enable %s: %w", adapterID, err))
	}
	return &ScanningDevice{radio: &adapterRadio{adapter: adapter}}, nil
}

// Scan reports advertisements until ctx is done. Without allowDup only the
// first advertisement of each address is reported.
func (d *ScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	d.mu.Lock()
	if d.scanning {
		d.mu.Unlock()
		return errors.New("scan already in progress")
	}
	d.scanning = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.scanning = false
		d.mu.Unlock()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	groutine.Go(ctx, "tinygo-scan-cancel", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			_ = d.radio.StopScan()
		case <-stopped:
		}
	})

	seen := make(map[string]struct{})
	err := d.radio.Scan(func(adv device.Advertisement) {
		if ctx.Err() != nil {
			// StopScan may have raced ahead of Scan.
			_ = d.radio.StopScan()
			return
		}
		if !allowDup {
			if _, dup := seen[adv.Addr()]; dup {
				return
			}
			seen[adv.Addr()] = struct{}{}
		}
		handler(adv)
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return device.NormalizeError(err)
	}
	// The adapter stopped scanning on its own.
	return errors.New("scan ended unexpectedly")
}

// Stop ends an in-progress scan. The adapter itself stays enabled.
func (d *ScanningDevice) Stop() error {
	d.mu.Lock()
	scanning := d.scanning
	d.mu.Unlock()

	if !scanning {
		return nil
	}
	return device.NormalizeError(d.radio.StopScan())
}
