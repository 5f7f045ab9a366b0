// Package device models the shared Bluetooth Low Energy adapter as an
// injected capability.
//
// This package provides:
//   - Advertisement and ScanningDevice abstractions over radio backends
//   - A Hub that turns a backend into a single serialized notification stream
//     (discover, scanStart, scanStop, warning, stateChange)
//   - Reference-counted scan leases so several scanners can share one radio
//   - Adapter error normalization plus hardware address and service UUID
//     normalization
package device
