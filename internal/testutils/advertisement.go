package testutils

import (
	"encoding/binary"
	"math"

	"github.com/srg/mithermo/internal/device"
)

// ATCServiceUUID is the environmental sensing service UUID the ATC firmware
// advertises its readings under.
const ATCServiceUUID = "181a"

// EncodePayload builds a 13-byte ATC service-data payload for the given values.
// Temperature and humidity are rounded to the nearest hundredth.
func EncodePayload(tempCelsius, humidityPercent float64, batteryPercent uint8) []byte {
	payload := []byte{
		0xA4, 0xC1, 0x38, 0x11, 0x22, 0x33, // MAC
		0, 0, // temperature
		0, 0, // humidity
		0xB8, 0x0B, // 3000 mV
		batteryPercent,
	}
	binary.LittleEndian.PutUint16(payload[6:8], uint16(int16(math.Round(tempCelsius*100))))
	binary.LittleEndian.PutUint16(payload[8:10], uint16(int16(math.Round(humidityPercent*100))))
	return payload
}

// Advertisement is a static device.Advertisement used in tests.
type Advertisement struct {
	Address     string
	Name        string
	Services    map[string][]byte
	SignalLevel int
}

func (a *Advertisement) Addr() string                   { return a.Address }
func (a *Advertisement) LocalName() string              { return a.Name }
func (a *Advertisement) ServiceData() map[string][]byte { return a.Services }
func (a *Advertisement) RSSI() int                      { return a.SignalLevel }

// AdvertisementBuilder builds test advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder starts an advertisement with no address, no name,
// no service data and an RSSI of -60 dBm.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{SignalLevel: -60}}
}

// WithAddress sets the peripheral hardware address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithName sets the advertised local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.SignalLevel = rssi
	return b
}

// WithServiceData adds a service-data entry.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.adv.Services == nil {
		b.adv.Services = make(map[string][]byte)
	}
	b.adv.Services[uuid] = data
	return b
}

// WithReading adds an ATC service-data entry encoding the given values.
func (b *AdvertisementBuilder) WithReading(tempCelsius, humidityPercent float64, batteryPercent uint8) *AdvertisementBuilder {
	return b.WithServiceData(ATCServiceUUID, EncodePayload(tempCelsius, humidityPercent, batteryPercent))
}

// Build returns the advertisement. The builder may be reused afterwards.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := b.adv
	if b.adv.Services != nil {
		adv.Services = make(map[string][]byte, len(b.adv.Services))
		for k, v := range b.adv.Services {
			adv.Services[k] = v
		}
	}
	return &adv
}
