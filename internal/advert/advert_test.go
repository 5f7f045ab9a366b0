package advert_test

import (
	"fmt"
	"testing"

	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_KnownPayload(t *testing.T) {
	// GOAL: Verify the documented byte layout decodes to the expected reading
	//
	// TEST SCENARIO: Payload with 0x0910 / 0x1390 / 0x3C at offsets 6, 8, 12 → 23.20°C, 50.08%, 60%

	payload := []byte{
		0xA4, 0xC1, 0x38, 0x01, 0x02, 0x03, // MAC
		0x10, 0x09, // temperature
		0x90, 0x13, // humidity
		0x8C, 0x0B, // voltage
		0x3C, // battery
	}

	r, err := advert.Decode(payload)
	require.NoError(t, err, "13-byte payload MUST decode")

	assert.Equal(t, 23.20, r.TemperatureCelsius, "temperature MUST be 0x0910/100")
	assert.Equal(t, 50.08, r.RelativeHumidityPercent, "humidity MUST be 0x1390/100")
	assert.Equal(t, uint8(60), r.BatteryPercent, "battery MUST be 0x3C")
}

func TestDecode_TooShort(t *testing.T) {
	// GOAL: Verify payloads below the minimum length fail without reading out of bounds
	//
	// TEST SCENARIO: Decode every length 0..12 → ErrTooShort returned → no panic

	for n := 0; n < advert.MinPayloadLen; n++ {
		t.Run(fmt.Sprintf("len=%d", n), func(t *testing.T) {
			payload := make([]byte, n)

			var err error
			assert.NotPanics(t, func() {
				_, err = advert.Decode(payload)
			}, "short payload MUST NOT panic")

			require.Error(t, err, "short payload MUST fail")
			assert.ErrorIs(t, err, advert.ErrTooShort, "error MUST wrap ErrTooShort")

			var decodeErr *advert.DecodeError
			require.ErrorAs(t, err, &decodeErr, "error MUST be a *DecodeError")
			assert.Equal(t, n, decodeErr.Len, "DecodeError MUST carry the observed length")
		})
	}

	t.Run("nil payload", func(t *testing.T) {
		_, err := advert.Decode(nil)
		assert.ErrorIs(t, err, advert.ErrTooShort)
	})
}

func TestDecode_RoundTrip(t *testing.T) {
	// GOAL: Verify encoding chosen values with the documented layout decodes back to them
	//
	// TEST SCENARIO: Encode (temp, humidity, battery) → Decode → values match within /100 rounding

	tests := []struct {
		name     string
		temp     float64
		humidity float64
		battery  uint8
	}{
		{name: "room", temp: 21.37, humidity: 45.5, battery: 87},
		{name: "freezing", temp: -12.04, humidity: 80.01, battery: 100},
		{name: "zero", temp: 0, humidity: 0, battery: 0},
		{name: "int16 max", temp: 327.67, humidity: 327.67, battery: 255},
		{name: "int16 min", temp: -327.68, humidity: -327.68, battery: 1},
		{name: "negative humidity passes through", temp: 25, humidity: -0.5, battery: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := testutils.EncodePayload(tt.temp, tt.humidity, tt.battery)

			r, err := advert.Decode(payload)
			require.NoError(t, err)

			assert.InDelta(t, tt.temp, r.TemperatureCelsius, 1e-9, "temperature MUST round-trip")
			assert.InDelta(t, tt.humidity, r.RelativeHumidityPercent, 1e-9, "humidity MUST round-trip")
			assert.Equal(t, tt.battery, r.BatteryPercent, "battery MUST round-trip")
		})
	}
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	// GOAL: Verify longer payloads decode from the same offsets
	//
	// TEST SCENARIO: 15-byte payload with a trailing frame counter and flags → same reading as the 13-byte prefix

	short := testutils.EncodePayload(19.99, 61.2, 42)
	long := append(append([]byte{}, short...), 0x7F, 0x05)

	a, err := advert.Decode(short)
	require.NoError(t, err)
	b, err := advert.Decode(long)
	require.NoError(t, err)

	assert.Equal(t, a, b, "trailing bytes MUST NOT change the reading")
}

func TestReading_String(t *testing.T) {
	r := advert.Reading{TemperatureCelsius: 23.2, RelativeHumidityPercent: 50.08, BatteryPercent: 60}

	assert.Equal(t, "Temperature: 23.2°C, Humidity: 50.08%, Battery: 60%", r.String())
}

func BenchmarkDecode(b *testing.B) {
	payload := testutils.EncodePayload(23.2, 50.08, 60)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = advert.Decode(payload)
	}
}
