package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AdapterState is the power state reported by the BLE adapter.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StatePoweredOn
	StatePoweredOff
	StateUnsupported
	StateUnavailable
)

// String returns the conventional BLE adapter state name.
func (s AdapterState) String() string {
	switch s {
	case StatePoweredOn:
		return "poweredOn"
	case StatePoweredOff:
		return "poweredOff"
	case StateUnsupported:
		return "unsupported"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Adapter-level errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("unsupported")
	ErrNotPoweredOn = errors.New("adapter is not powered on")
	ErrClosed       = errors.New("adapter closed")
)

// AdapterError reports a scan instruction rejected by the adapter.
type AdapterError struct {
	Op  string // "open", "start", "stop", "scan"
	Err error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NormalizeError maps known backend error strings to the sentinel errors above.
// Returns wrapped errors to preserve the original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBluetoothOff) || errors.Is(err, ErrUnsupported) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "unsupported"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	default:
		return err
	}
}

// StateForError picks the adapter state implied by a failed open or scan.
func StateForError(err error) AdapterState {
	switch {
	case err == nil:
		return StatePoweredOn
	case errors.Is(err, ErrBluetoothOff):
		return StatePoweredOff
	case errors.Is(err, ErrUnsupported):
		return StateUnsupported
	default:
		return StateUnavailable
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeAddress lower-cases a hardware address and strips separators, so
// "AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff" and "aabbccddeeff" compare equal.
func NormalizeAddress(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range strings.ToLower(addr) {
		switch r {
		case ':', '-', '.', ' ', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Advertisement is one observed BLE peripheral sighting.
type Advertisement interface {
	// Addr is empty when the platform does not expose the hardware address.
	Addr() string
	LocalName() string
	// ServiceData maps service UUID strings to their raw payload.
	ServiceData() map[string][]byte
	RSSI() int
}

// ScanningDevice is a radio backend capable of passive discovery.
// Scan blocks until ctx is done or the backend fails.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Stop() error
}

// Handler receives adapter notifications. Calls are serialized: a handler is
// never invoked concurrently with itself or with another handler of the same
// adapter, and must return quickly.
type Handler interface {
	OnDiscover(adv Advertisement)
	OnScanStart()
	// OnScanStop reports the radio stopped; err is non-nil when the radio
	// failed rather than being stopped on request.
	OnScanStop(err error)
	OnWarning(msg string)
	OnStateChange(state AdapterState)
}

// Adapter is the shared BLE adapter capability injected into scanners.
//
// StartScanning and StopScanning never block on radio I/O and never call a
// Handler synchronously; results arrive later through the notification stream.
type Adapter interface {
	Subscribe(h Handler) (unsubscribe func())
	StartScanning() error
	StopScanning() error
}
