package main

import (
	"errors"
	"fmt"

	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/device"
)

// Command-level errors
var (
	// ErrNoReading indicates the scan timed out before the sensor advertised a decodable reading.
	ErrNoReading = errors.New("no reading received")
)

// FormatUserError turns an error into a message with a hint for the common
// adapter problems. Other errors are printed as they are.
func FormatUserError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrBluetoothOff):
		return fmt.Sprintf("Bluetooth is turned off, turn it on and retry (%v)", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("Bluetooth LE is not available on this host (%v)", err)
	case errors.Is(err, device.ErrNotPoweredOn):
		return fmt.Sprintf("Bluetooth adapter is not ready (%v)", err)
	case errors.Is(err, ErrNoReading):
		return fmt.Sprintf("%v: is the sensor in range and running the ATC firmware?", err)
	case errors.Is(err, advert.ErrTooShort):
		return fmt.Sprintf("%v: pass the complete service-data payload", err)
	default:
		return err.Error()
	}
}
