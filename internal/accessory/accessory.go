// Package accessory exposes one thermometer to a home-automation host: it
// caches the latest reading, answers characteristic lookups and drives the
// scanner on a fixed polling period.
package accessory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/sink"
	"github.com/srg/mithermo/scanner"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Values reported before the first reading arrives.
const (
	DefaultTemperature = 0
	DefaultHumidity    = 0
	DefaultBattery     = 100
)

const (
	Manufacturer = "Xiaomi Mijia"
	Model        = "LYWSD03MMC"
)

// DefaultLowBatteryThreshold is the battery percentage at or below which the
// battery is reported low.
const DefaultLowBatteryThreshold = 10

// Options configures an accessory. Zero Name, ScanInterval and
// FirmwareRevision take their defaults in New; a zero LowBatteryThreshold is
// kept and reports low only for an empty battery.
type Options struct {
	Name                string        `default:"Thermometer"`
	ScanInterval        time.Duration `default:"60s"`
	LowBatteryThreshold int
	// FirmwareRevision is reported in Information.
	FirmwareRevision string `default:"dev"`
}

// DefaultOptions returns options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{LowBatteryThreshold: DefaultLowBatteryThreshold}
	defaults.SetDefaults(opts)
	return opts
}

// Snapshot is the cached reading. Valid is false until the first reading.
type Snapshot struct {
	Reading   advert.Reading
	Address   string
	UpdatedAt time.Time
	Valid     bool
}

// Information describes the accessory to the host.
type Information struct {
	Name             string `json:"name"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	SerialNumber     string `json:"serial_number"`
	FirmwareRevision string `json:"firmware_revision"`
}

// Session is the scanner surface the accessory drives.
type Session interface {
	Start()
	Stop()
	Events() <-chan scanner.Event
	Target() scanner.Target
}

// Accessory is one sensor exposed to the host.
type Accessory struct {
	opts      Options
	session   Session
	publisher sink.Publisher
	logger    *logrus.Logger
	table     *orderedmap.OrderedMap[Kind, Accessor]
	now       func() time.Time

	mu       sync.RWMutex
	snapshot Snapshot
}

// New creates an accessory around session. A nil publisher discards updates.
func New(opts Options, session Session, publisher sink.Publisher, logger *logrus.Logger) *Accessory {
	if logger == nil {
		logger = logrus.New()
	}
	if publisher == nil {
		publisher = sink.Discard
	}
	// Zero fields take their defaults.
	defaults.SetDefaults(&opts)
	if opts.ScanInterval < 0 {
		opts.ScanInterval = DefaultOptions().ScanInterval
	}

	return &Accessory{
		opts:      opts,
		session:   session,
		publisher: publisher,
		logger:    logger,
		table:     characteristics(),
		now:       time.Now,
	}
}

// Name returns the configured accessory name.
func (a *Accessory) Name() string { return a.opts.Name }

// Information returns the static accessory description.
func (a *Accessory) Information() Information {
	return Information{
		Name:             a.opts.Name,
		Manufacturer:     Manufacturer,
		Model:            Model,
		SerialNumber:     a.session.Target().Value(),
		FirmwareRevision: a.opts.FirmwareRevision,
	}
}

// Snapshot returns the cached reading.
func (a *Accessory) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Kinds lists the exposed characteristics in publishing order.
func (a *Accessory) Kinds() []Kind {
	kinds := make([]Kind, 0, a.table.Len())
	for pair := a.table.Oldest(); pair != nil; pair = pair.Next() {
		kinds = append(kinds, pair.Key)
	}
	return kinds
}

// Value returns the current value of one characteristic.
func (a *Accessory) Value(kind Kind) (float64, error) {
	accessor, ok := a.table.Get(kind)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, kind)
	}
	return accessor(a.Snapshot(), a.opts), nil
}

// Values returns every characteristic keyed by name, in publishing order.
func (a *Accessory) Values() *orderedmap.OrderedMap[string, float64] {
	s := a.Snapshot()
	values := orderedmap.New[string, float64]()
	for pair := a.table.Oldest(); pair != nil; pair = pair.Next() {
		values.Set(pair.Key.String(), pair.Value(s, a.opts))
	}
	return values
}

// Run polls the sensor every ScanInterval until ctx is done. The first
// periodic scan starts one interval after Run is called; the adapter powering
// on starts the initial one. Each reading updates the cache and is published.
// Scanner errors are logged and retried on the next tick.
func (a *Accessory) Run(ctx context.Context) error {
	logger := a.logger.WithFields(logrus.Fields{
		"accessory": a.opts.Name,
		"target":    a.session.Target(),
	})
	logger.WithField("interval", a.opts.ScanInterval).Info("Sensor finished initializing!")

	ticker := time.NewTicker(a.opts.ScanInterval)
	defer ticker.Stop()
	defer a.session.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.session.Start()
		case ev, ok := <-a.session.Events():
			if !ok {
				return errors.New("scanner closed")
			}
			switch ev.Kind {
			case scanner.EventReading:
				if err := a.publisher.Publish(ctx, a.apply(ev)); err != nil {
					logger.WithError(err).Warn("Failed to publish update")
				}
			case scanner.EventError:
				logger.WithError(ev.Err).Warn("Scan failed, retrying on next interval")
			}
		}
	}
}

// apply caches a reading and returns the update to publish.
func (a *Accessory) apply(ev scanner.Event) sink.Update {
	a.mu.Lock()
	a.snapshot = Snapshot{
		Reading:   ev.Reading,
		Address:   ev.Address,
		UpdatedAt: a.now(),
		Valid:     true,
	}
	s := a.snapshot
	a.mu.Unlock()

	a.logger.WithField("accessory", a.opts.Name).Debugf("Thermometer updated: %s", ev.Reading)

	return sink.Update{
		Accessory:       a.opts.Name,
		Address:         ev.Address,
		RSSI:            ev.RSSI,
		Timestamp:       s.UpdatedAt,
		Reading:         ev.Reading,
		Characteristics: a.Values(),
	}
}
