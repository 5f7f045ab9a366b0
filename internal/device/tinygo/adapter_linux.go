//go:build linux

package tinygo

import "tinygo.org/x/bluetooth"

func newAdapter(id string) *bluetooth.Adapter {
	return bluetooth.NewAdapter(id)
}
