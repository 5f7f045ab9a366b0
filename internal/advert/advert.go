// Package advert decodes the service-data payload broadcast by LYWSD03MMC-class
// thermometers running the custom "ATC" firmware.
//
// Payload layout (little endian):
//
//	offset  size  field
//	0       6     MAC address (ignored)
//	6       2     temperature, int16, 0.01 °C
//	8       2     relative humidity, int16, 0.01 %
//	10      2     battery voltage (ignored)
//	12      1     battery level, uint8, %
//
// Decoding is pure and performs no range validation: out-of-range values are
// passed through as observed.
package advert

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MinPayloadLen is the shortest payload that covers every decoded offset.
const MinPayloadLen = 13

const (
	temperatureOffset = 6
	humidityOffset    = 8
	batteryOffset     = 12

	centiScale = 100.0
)

// ErrTooShort is returned for payloads shorter than MinPayloadLen.
var ErrTooShort = errors.New("payload too short")

// DecodeError describes a payload that could not be decoded.
type DecodeError struct {
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode service data (%d bytes, need %d): %v", e.Len, MinPayloadLen, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reading is one decoded sensor broadcast.
type Reading struct {
	TemperatureCelsius      float64 `json:"temperature_celsius"`
	RelativeHumidityPercent float64 `json:"relative_humidity_percent"`
	BatteryPercent          uint8   `json:"battery_percent"`
}

func (r Reading) String() string {
	return fmt.Sprintf("Temperature: %g°C, Humidity: %g%%, Battery: %d%%",
		r.TemperatureCelsius, r.RelativeHumidityPercent, r.BatteryPercent)
}

// Decode extracts a Reading from one service-data entry.
func Decode(payload []byte) (Reading, error) {
	if len(payload) < MinPayloadLen {
		return Reading{}, &DecodeError{Len: len(payload), Err: ErrTooShort}
	}

	temp := int16(binary.LittleEndian.Uint16(payload[temperatureOffset : temperatureOffset+2]))
	humi := int16(binary.LittleEndian.Uint16(payload[humidityOffset : humidityOffset+2]))

	return Reading{
		TemperatureCelsius:      float64(temp) / centiScale,
		RelativeHumidityPercent: float64(humi) / centiScale,
		BatteryPercent:          payload[batteryOffset],
	}, nil
}
