// Package devicefactory selects the radio backend behind a device.Hub.
package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/device"
	goble "github.com/srg/mithermo/internal/device/go-ble"
	"github.com/srg/mithermo/internal/device/tinygo"
)

// Backend names accepted by New.
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Backends lists the supported backend names.
var Backends = []string{BackendGoBLE, BackendTinyGo}

// Options selects and configures the radio backend.
type Options struct {
	Backend   string
	AdapterID string
	Hub       *device.HubOptions
}

// DeviceFactory creates the radio for a backend.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func(backend, adapterID string) (device.ScanningDevice, error) {
	switch backend {
	case BackendGoBLE:
		return goble.NewScanningDevice()
	case BackendTinyGo:
		return tinygo.NewScanningDevice(adapterID)
	default:
		return nil, unknownBackend(backend)
	}
}

// ValidateBackend reports whether name is a known backend. Empty selects go-ble.
func ValidateBackend(name string) error {
	if name == "" {
		return nil
	}
	for _, b := range Backends {
		if b == name {
			return nil
		}
	}
	return unknownBackend(name)
}

func unknownBackend(name string) error {
	return fmt.Errorf("unknown BLE backend %q (supported: %s)", name, strings.Join(Backends, ", "))
}

// NewHub builds a device.Hub whose radio is created by DeviceFactory when the
// hub is opened.
func NewHub(opts Options, logger *logrus.Logger) (*device.Hub, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendGoBLE
	}
	if err := ValidateBackend(backend); err != nil {
		return nil, err
	}

	factory := func() (device.ScanningDevice, error) {
		return DeviceFactory(backend, opts.AdapterID)
	}
	return device.NewHub(factory, opts.Hub, logger), nil
}
