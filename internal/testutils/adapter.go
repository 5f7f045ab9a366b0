package testutils

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/srg/mithermo/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a device.Adapter whose scan instructions are testify mock
// calls and whose notifications are delivered synchronously by the test.
//
//	adapter := testutils.NewMockAdapter()
//	adapter.On("StartScanning").Return(nil)
//	adapter.On("StopScanning").Return(nil)
//	adapter.Discover(adv) // runs every subscribed handler before returning
type MockAdapter struct {
	mock.Mock

	mu       sync.Mutex
	handlers map[int]device.Handler
	nextID   int
}

// NewMockAdapter creates a MockAdapter without expectations.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{handlers: make(map[int]device.Handler)}
}

func (a *MockAdapter) Subscribe(h device.Handler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.handlers[id] = h
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers, id)
	}
}

func (a *MockAdapter) StartScanning() error {
	args := a.Called()
	return args.Error(0)
}

func (a *MockAdapter) StopScanning() error {
	args := a.Called()
	return args.Error(0)
}

// Subscribers returns the number of registered handlers.
func (a *MockAdapter) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

// snapshot returns handlers in subscription order without holding the lock
// while they run, so handlers may call back into the adapter.
func (a *MockAdapter) snapshot() []device.Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]int, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]device.Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, a.handlers[id])
	}
	return hs
}

// Discover delivers a discover notification.
func (a *MockAdapter) Discover(adv device.Advertisement) {
	for _, h := range a.snapshot() {
		h.OnDiscover(adv)
	}
}

// ScanStart delivers a scanStart notification.
func (a *MockAdapter) ScanStart() {
	for _, h := range a.snapshot() {
		h.OnScanStart()
	}
}

// ScanStop delivers a scanStop notification.
func (a *MockAdapter) ScanStop(err error) {
	for _, h := range a.snapshot() {
		h.OnScanStop(err)
	}
}

// Warn delivers a warning notification.
func (a *MockAdapter) Warn(msg string) {
	for _, h := range a.snapshot() {
		h.OnWarning(msg)
	}
}

// SetState delivers a stateChange notification.
func (a *MockAdapter) SetState(state device.AdapterState) {
	for _, h := range a.snapshot() {
		h.OnStateChange(state)
	}
}

// FakeScanningDevice is a device.ScanningDevice driven by the test.
// Scan blocks until its context is done or Fail is called.
type FakeScanningDevice struct {
	// ScanErr, when set, is returned immediately by Scan.
	ScanErr error
	// StopErr is returned by Stop.
	StopErr error

	mu       sync.Mutex
	handler  func(device.Advertisement)
	scans    int
	allowDup bool
	stopped  bool
	fail     chan error
	started  chan struct{}
}

// NewFakeScanningDevice creates an idle fake radio.
func NewFakeScanningDevice() *FakeScanningDevice {
	return &FakeScanningDevice{
		fail:    make(chan error, 1),
		started: make(chan struct{}, 64),
	}
}

func (d *FakeScanningDevice) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	d.mu.Lock()
	d.scans++
	d.allowDup = allowDup
	scanErr := d.ScanErr
	if scanErr == nil {
		d.handler = handler
	}
	d.mu.Unlock()

	d.started <- struct{}{}
	if scanErr != nil {
		return scanErr
	}

	defer func() {
		d.mu.Lock()
		d.handler = nil
		d.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-d.fail:
		return err
	}
}

func (d *FakeScanningDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return d.StopErr
}

// WaitScan blocks until Scan has been entered once more, or the timeout expires.
func (d *FakeScanningDevice) WaitScan(timeout time.Duration) bool {
	select {
	case <-d.started:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Advertise feeds adv to the running scan. Reports false when no scan is active.
func (d *FakeScanningDevice) Advertise(adv device.Advertisement) bool {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

// Fail makes the running scan return err.
func (d *FakeScanningDevice) Fail(err error) {
	d.fail <- err
}

// Active reports whether a scan is in progress.
func (d *FakeScanningDevice) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

// Scans returns how many times Scan was called.
func (d *FakeScanningDevice) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}

// AllowDuplicates returns the flag passed to the last Scan.
func (d *FakeScanningDevice) AllowDuplicates() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allowDup
}

// Stopped reports whether Stop was called.
func (d *FakeScanningDevice) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}
