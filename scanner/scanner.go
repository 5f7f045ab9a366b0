// Package scanner runs bounded scan sessions that turn one sensor's
// advertisements into decoded readings.
package scanner

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/device"
	"github.com/srg/mithermo/internal/ringchan"
)

// DefaultEventBuffer is the capacity of the event ring; the oldest unread
// event is discarded once it is full.
const DefaultEventBuffer = 16

// ErrNoTarget is returned when neither an address nor a name is configured.
var ErrNoTarget = errors.New("either an address or a device name must be configured")

// ErrAmbiguousTarget is returned when both an address and a name are configured.
var ErrAmbiguousTarget = errors.New("address and device name are mutually exclusive")

// MatchMode selects how advertisements are matched against a Target.
type MatchMode int

const (
	// MatchAddress compares normalized hardware addresses.
	MatchAddress MatchMode = iota
	// MatchName compares advertised local names, case-sensitively.
	MatchName
)

func (m MatchMode) String() string {
	if m == MatchName {
		return "name"
	}
	return "address"
}

// Target identifies the sensor a Scanner listens for.
type Target struct {
	mode  MatchMode
	value string
}

// AddressTarget matches peripherals by hardware address, ignoring case and separators.
func AddressTarget(addr string) Target {
	return Target{mode: MatchAddress, value: device.NormalizeAddress(addr)}
}

// NameTarget matches peripherals whose advertised local name equals name exactly.
func NameTarget(name string) Target {
	return Target{mode: MatchName, value: name}
}

// TargetFromConfig builds a Target from exactly one of address and name.
func TargetFromConfig(address, name string) (Target, error) {
	switch {
	case address != "" && name != "":
		return Target{}, ErrAmbiguousTarget
	case address != "":
		t := AddressTarget(address)
		if t.value == "" {
			return Target{}, fmt.Errorf("invalid address %q: %w", address, ErrNoTarget)
		}
		return t, nil
	case name != "":
		return NameTarget(name), nil
	default:
		return Target{}, ErrNoTarget
	}
}

// Mode returns the matching strategy.
func (t Target) Mode() MatchMode { return t.mode }

// Value returns the normalized address or the name.
func (t Target) Value() string { return t.value }

func (t Target) String() string { return t.mode.String() + "=" + t.value }

// Matches reports whether adv comes from the target peripheral.
func (t Target) Matches(adv device.Advertisement) bool {
	if t.value == "" {
		return false
	}
	switch t.mode {
	case MatchName:
		return adv.LocalName() == t.value
	default:
		addr := adv.Addr()
		return addr != "" && device.NormalizeAddress(addr) == t.value
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventReading EventKind = iota
	EventError
)

func (k EventKind) String() string {
	if k == EventError {
		return "error"
	}
	return "reading"
}

// Event is emitted by a Scanner: a decoded reading, or an adapter failure.
type Event struct {
	Kind    EventKind
	Reading advert.Reading
	Address string
	RSSI    int
	Err     error
}

// Scanner drives scan sessions against a shared adapter and emits at most one
// reading per session.
//
// A session starts with Start (or when the adapter powers on while idle) and
// ends at the first decodable advertisement from the target, on Stop, or when
// the adapter leaves the poweredOn state.
type Scanner struct {
	adapter     device.Adapter
	target      Target
	logger      *logrus.Logger
	events      *ringchan.RingChannel[Event]
	unsubscribe func()

	mu       sync.Mutex
	scanning bool
	closed   bool
}

// New creates a Scanner and registers it on the adapter's notification stream.
func New(adapter device.Adapter, target Target, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Scanner{
		adapter: adapter,
		target:  target,
		logger:  logger,
		events:  ringchan.New[Event](DefaultEventBuffer),
	}
	s.unsubscribe = adapter.Subscribe(s)
	return s
}

// Target returns the configured target.
func (s *Scanner) Target() Target { return s.target }

// Events returns the stream of readings and errors.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Scanning reports whether a session is open.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Start opens a scan session. It returns immediately; a start failure is
// reported as an EventError and is not retried. Calling Start while a session
// is open keeps that session.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.scanning {
		s.logger.WithField("target", s.target).Debug("Scan session already open")
		return
	}
	s.startLocked()
}

// Stop closes the current session without emitting an event. It is a no-op
// when no session is open.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close stops any session, detaches from the adapter and closes Events.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.stopLocked()
	s.closed = true
	s.unsubscribe()
	s.events.Close()
}

func (s *Scanner) startLocked() {
	s.logger.WithField("target", s.target).Debug("Scanning...")

	if err := s.adapter.StartScanning(); err != nil {
		s.logger.WithError(err).WithField("target", s.target).Warn("Failed to start scanning")
		s.emitLocked(Event{Kind: EventError, Err: err})
		return
	}
	s.scanning = true
}

func (s *Scanner) stopLocked() {
	if !s.scanning {
		return
	}
	s.scanning = false
	if err := s.adapter.StopScanning(); err != nil {
		s.logger.WithError(err).WithField("target", s.target).Warn("Failed to stop scanning")
	}
}

func (s *Scanner) emitLocked(ev Event) {
	if s.closed {
		return
	}
	if s.events.Send(ev) {
		s.logger.WithField("target", s.target).Warn("Event buffer full, dropped oldest event")
	}
}

// OnDiscover decodes the first usable service-data entry of a matching
// advertisement, emits it and ends the session.
func (s *Scanner) OnDiscover(adv device.Advertisement) {
	if !s.target.Matches(adv) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"address": adv.Addr(),
		"name":    adv.LocalName(),
		"rssi":    adv.RSSI(),
	})
	logger.Debug("Device found")

	reading, err := decodeServiceData(adv.ServiceData())
	if err != nil {
		logger.WithError(err).Debug("Ignoring undecodable advertisement")
		return
	}

	s.emitLocked(Event{
		Kind:    EventReading,
		Reading: reading,
		Address: adv.Addr(),
		RSSI:    adv.RSSI(),
	})
	s.stopLocked()
}

// decodeServiceData tries entries in UUID order and returns the first reading.
func decodeServiceData(serviceData map[string][]byte) (advert.Reading, error) {
	if len(serviceData) == 0 {
		return advert.Reading{}, errors.New("no service data")
	}

	uuids := make([]string, 0, len(serviceData))
	for uuid := range serviceData {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)

	var errs []error
	for _, uuid := range uuids {
		r, err := advert.Decode(serviceData[uuid])
		if err == nil {
			return r, nil
		}
		errs = append(errs, fmt.Errorf("service %s: %w", uuid, err))
	}
	return advert.Reading{}, errors.Join(errs...)
}

func (s *Scanner) OnScanStart() {
	if s.isClosed() {
		return
	}
	s.logger.Debug("Started scanning.")
}

// OnScanStop ends the session when the radio failed underneath it.
func (s *Scanner) OnScanStop(err error) {
	if err == nil {
		if !s.isClosed() {
			s.logger.Debug("Stopped scanning.")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return
	}
	s.logger.WithError(err).WithField("target", s.target).Warn("Scan aborted by adapter")
	s.emitLocked(Event{Kind: EventError, Err: err})
	s.stopLocked()
}

func (s *Scanner) OnWarning(msg string) {
	if s.isClosed() {
		return
	}
	s.logger.WithField("warning", msg).Warn("Warning from BLE adapter")
}

// isClosed covers notifications already queued when Close unsubscribed.
func (s *Scanner) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnStateChange starts a session when the adapter powers on while idle and
// ends the current one when it powers off or becomes unavailable.
func (s *Scanner) OnStateChange(state device.AdapterState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"state":  state,
		"target": s.target,
	}).Debug("BLE adapter state changed")

	if state == device.StatePoweredOn {
		if !s.scanning {
			s.startLocked()
		}
		return
	}
	s.stopLocked()
}
