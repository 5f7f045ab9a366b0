package accessory

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind identifies a characteristic exposed to the home-automation host.
type Kind int

const (
	CurrentTemperature Kind = iota
	CurrentRelativeHumidity
	BatteryLevel
	StatusLowBattery
	ChargingState
)

var kindNames = map[Kind]string{
	CurrentTemperature:      "CurrentTemperature",
	CurrentRelativeHumidity: "CurrentRelativeHumidity",
	BatteryLevel:            "BatteryLevel",
	StatusLowBattery:        "StatusLowBattery",
	ChargingState:           "ChargingState",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrUnknownCharacteristic is returned for a Kind the accessory does not expose.
var ErrUnknownCharacteristic = errors.New("unknown characteristic")

// Characteristic values
const (
	BatteryLevelNormal = 0
	BatteryLevelLow    = 1

	ChargingStateNotCharging   = 0
	ChargingStateCharging      = 1
	ChargingStateNotChargeable = 2
)

// Accessor computes a characteristic value from the cached reading.
type Accessor func(s Snapshot, opts Options) float64

// characteristics is the lookup table every accessory uses. Its order is the
// order characteristics are published in.
func characteristics() *orderedmap.OrderedMap[Kind, Accessor] {
	table := orderedmap.New[Kind, Accessor]()
	table.Set(CurrentTemperature, func(s Snapshot, _ Options) float64 {
		if !s.Valid {
			return DefaultTemperature
		}
		return s.Reading.TemperatureCelsius
	})
	table.Set(CurrentRelativeHumidity, func(s Snapshot, _ Options) float64 {
		if !s.Valid {
			return DefaultHumidity
		}
		return s.Reading.RelativeHumidityPercent
	})
	table.Set(BatteryLevel, func(s Snapshot, _ Options) float64 {
		return float64(batteryLevel(s))
	})
	table.Set(StatusLowBattery, func(s Snapshot, opts Options) float64 {
		if batteryLevel(s) > opts.LowBatteryThreshold {
			return BatteryLevelNormal
		}
		return BatteryLevelLow
	})
	table.Set(ChargingState, func(Snapshot, Options) float64 {
		return ChargingStateNotChargeable
	})
	return table
}

func batteryLevel(s Snapshot) int {
	if !s.Valid {
		return DefaultBattery
	}
	return int(s.Reading.BatteryPercent)
}
