package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/groutine"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowDuplicates reports every advertisement instead of one per peripheral.
	AllowDuplicates bool `default:"true"`
	// MaxPendingDiscoveries bounds queued discover notifications; beyond it new
	// discoveries are dropped. Control notifications are never dropped.
	MaxPendingDiscoveries int `default:"512"`
}

// DefaultHubOptions returns the options used when NewHub receives nil.
func DefaultHubOptions() *HubOptions {
	opts := &HubOptions{}
	defaults.SetDefaults(opts)
	return opts
}

type notificationKind int

const (
	kindDiscover notificationKind = iota
	kindScanStart
	kindScanStop
	kindWarning
	kindStateChange
)

type notification struct {
	kind  notificationKind
	adv   Advertisement
	err   error
	msg   string
	state AdapterState
}

// Hub implements Adapter on top of a ScanningDevice.
//
// All notifications are delivered by a single dispatch goroutine, one at a
// time, to every subscriber. Scanning is lease based: the radio runs while at
// least one StartScanning is not yet matched by a StopScanning.
type Hub struct {
	factory func() (ScanningDevice, error)
	opts    HubOptions
	logger  *logrus.Logger

	subs   *hashmap.Map[uint64, Handler]
	nextID atomic.Uint64

	qmu                sync.Mutex
	queue              []notification
	pendingDiscoveries int
	dropped            atomic.Int64
	reportedDropped    int64
	wake               chan struct{}

	mu        sync.Mutex
	dev       ScanningDevice
	state     AdapterState
	leases    int
	running   bool
	runGen    uint64
	cancelRun context.CancelFunc
	runDone   chan struct{}
	closed    bool

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

// NewHub creates a Hub whose backend is created lazily by Open through factory.
func NewHub(factory func() (ScanningDevice, error), opts *HubOptions, logger *logrus.Logger) *Hub {
	if opts == nil {
		opts = DefaultHubOptions()
	}
	if opts.MaxPendingDiscoveries <= 0 {
		opts.MaxPendingDiscoveries = DefaultHubOptions().MaxPendingDiscoveries
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Hub{
		factory: factory,
		opts:    *opts,
		logger:  logger,
		subs:    hashmap.New[uint64, Handler](),
		wake:    make(chan struct{}, 1),
	}
}

// Subscribe registers h on the notification stream.
func (h *Hub) Subscribe(handler Handler) func() {
	id := h.nextID.Add(1)
	h.subs.Set(id, handler)
	return func() {
		h.subs.Del(id)
	}
}

// Open creates the backend device and starts notification dispatch. The
// resulting adapter state is announced to subscribers. Open is a no-op while
// the adapter is powered on; otherwise the backend is created again.
func (h *Hub) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return &AdapterError{Op: "open", Err: ErrClosed}
	}
	if h.dev != nil && h.state == StatePoweredOn {
		return nil
	}

	if h.dispatchDone == nil {
		dctx, cancel := context.WithCancel(context.Background())
		h.dispatchCancel = cancel
		h.dispatchDone = make(chan struct{})
		groutine.Go(dctx, "ble-dispatch", h.dispatch)
	}
	return h.openLocked()
}

// openLocked releases a dead backend device, if any, and creates a new one.
// The radio is never running here: leaving poweredOn stops it.
func (h *Hub) openLocked() error {
	if h.dev != nil {
		if err := h.dev.Stop(); err != nil {
			h.logger.WithError(err).Debug("Failed to release BLE device")
		}
		h.dev = nil
	}

	dev, err := h.factory()
	if err != nil {
		err = NormalizeError(err)
		h.setStateLocked(StateForError(err))
		h.logger.WithError(err).WithField("state", h.state).Warn("BLE adapter unavailable")
		return &AdapterError{Op: "open", Err: err}
	}

	h.dev = dev
	h.setStateLocked(StatePoweredOn)
	h.logger.Debug("BLE adapter powered on")
	return nil
}

// StartScanning takes a scan lease, starting the radio if it is not running.
// On an opened hub that is no longer powered on, the backend is created again
// first; success announces poweredOn.
func (h *Hub) StartScanning() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return &AdapterError{Op: "start", Err: ErrClosed}
	case h.dispatchDone == nil:
		return &AdapterError{Op: "start", Err: fmt.Errorf("%w (state %s)", ErrNotPoweredOn, h.state)}
	case h.dev == nil || h.state != StatePoweredOn:
		if err := h.openLocked(); err != nil {
			return &AdapterError{Op: "start", Err: fmt.Errorf("%w (state %s): %w", ErrNotPoweredOn, h.state, err)}
		}
	}

	h.leases++
	if !h.running {
		h.startRadioLocked()
	}
	return nil
}

// StopScanning releases one scan lease and stops the radio once none are
// left. Releasing with no lease held is a no-op.
func (h *Hub) StopScanning() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.leases == 0 {
		return nil
	}
	h.leases--
	if h.leases == 0 && h.running {
		h.stopRadioLocked()
	}
	return nil
}

// State returns the last announced adapter state.
func (h *Hub) State() AdapterState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Leases returns the number of outstanding scan leases.
func (h *Hub) Leases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leases
}

// Scanning reports whether the radio is running.
func (h *Hub) Scanning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Dropped returns how many discover notifications were dropped under load.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the radio and the backend, announces poweredOff and flushes the
// notification stream. Subsequent calls are no-ops.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.running {
		h.stopRadioLocked()
	}
	runDone := h.runDone
	dev := h.dev
	h.dev = nil
	h.leases = 0
	h.setStateLocked(StatePoweredOff)
	h.mu.Unlock()

	if runDone != nil {
		<-runDone
	}

	var err error
	if dev != nil {
		if stopErr := dev.Stop(); stopErr != nil {
			err = &AdapterError{Op: "stop", Err: NormalizeError(stopErr)}
		}
	}

	if h.dispatchCancel != nil {
		h.dispatchCancel()
		<-h.dispatchDone
	}
	return err
}

func (h *Hub) setStateLocked(state AdapterState) {
	if h.state == state {
		return
	}
	h.state = state
	if state != StatePoweredOn && h.running {
		h.stopRadioLocked()
	}
	h.enqueue(notification{kind: kindStateChange, state: state})
}

func (h *Hub) startRadioLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancelRun = cancel
	h.runGen++

	gen := h.runGen
	prev := h.runDone
	done := make(chan struct{})
	h.runDone = done
	dev := h.dev

	h.enqueue(notification{kind: kindScanStart})
	h.logger.WithField("allow_duplicates", h.opts.AllowDuplicates).Debug("Starting BLE scan")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		// A backend must finish its previous scan before the next one starts.
		if prev != nil {
			<-prev
		}
		err := dev.Scan(ctx, h.opts.AllowDuplicates, h.discovered)
		h.radioStopped(gen, err)
	})
}

func (h *Hub) stopRadioLocked() {
	h.running = false
	if h.cancelRun != nil {
		h.cancelRun()
		h.cancelRun = nil
	}
	h.logger.Debug("Stopping BLE scan")
}

func (h *Hub) radioStopped(gen uint64, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	err = NormalizeError(err)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runGen == gen && h.running {
		h.running = false
		h.cancelRun()
		h.cancelRun = nil
	}

	if err != nil {
		h.logger.WithError(err).Warn("BLE scan failed")
		if errors.Is(err, ErrBluetoothOff) && !h.closed {
			h.setStateLocked(StatePoweredOff)
		}
		h.enqueue(notification{kind: kindScanStop, err: &AdapterError{Op: "scan", Err: err}})
		return
	}
	h.enqueue(notification{kind: kindScanStop})
}

func (h *Hub) discovered(adv Advertisement) {
	h.enqueue(notification{kind: kindDiscover, adv: adv})
}

func (h *Hub) enqueue(n notification) {
	h.qmu.Lock()
	if n.kind == kindDiscover {
		if h.pendingDiscoveries >= h.opts.MaxPendingDiscoveries {
			h.qmu.Unlock()
			h.dropped.Add(1)
			return
		}
		h.pendingDiscoveries++
	}
	h.queue = append(h.queue, n)
	h.qmu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) dispatch(ctx context.Context) {
	defer close(h.dispatchDone)

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case <-h.wake:
			h.drain()
		}
	}
}

func (h *Hub) drain() {
	for {
		h.qmu.Lock()
		batch := h.queue
		h.queue = nil
		h.pendingDiscoveries = 0
		h.qmu.Unlock()

		if len(batch) == 0 {
			return
		}
		if dropped := h.dropped.Load(); dropped > h.reportedDropped {
			msg := fmt.Sprintf("dropped %d advertisements, notification handlers are too slow", dropped-h.reportedDropped)
			h.reportedDropped = dropped
			batch = append([]notification{{kind: kindWarning, msg: msg}}, batch...)
		}
		for _, n := range batch {
			h.subs.Range(func(_ uint64, handler Handler) bool {
				h.deliver(handler, n)
				return true
			})
		}
	}
}

func (h *Hub) deliver(handler Handler, n notification) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("BLE notification handler panicked")
		}
	}()

	switch n.kind {
	case kindDiscover:
		handler.OnDiscover(n.adv)
	case kindScanStart:
		handler.OnScanStart()
	case kindScanStop:
		handler.OnScanStop(n.err)
	case kindWarning:
		handler.OnWarning(n.msg)
	case kindStateChange:
		handler.OnStateChange(n.state)
	}
}
