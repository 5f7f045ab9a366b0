//go:build !linux

package tinygo

import "tinygo.org/x/bluetooth"

// Only linux can select an adapter by id.
func newAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
