package tinygo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/mithermo/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

type fakePayload struct {
	name string
	sd   []bluetooth.ServiceDataElement
}

func (p fakePayload) LocalName() string                           { return p.name }
func (p fakePayload) ServiceData() []bluetooth.ServiceDataElement { return p.sd }

// fakeRadio replays advs and then blocks until StopScan, like BlueZ does.
type fakeRadio struct {
	advs    []device.Advertisement
	scanErr error

	mu    sync.Mutex
	stop  chan struct{}
	stops int
}

func newFakeRadio(advs ...device.Advertisement) *fakeRadio {
	return &fakeRadio{advs: advs, stop: make(chan struct{})}
}

func (r *fakeRadio) Scan(handler func(device.Advertisement)) error {
	for _, adv := range r.advs {
		handler(adv)
	}
	if r.scanErr != nil {
		return r.scanErr
	}
	<-r.stop
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if r.stops == 1 {
		close(r.stop)
	}
	return nil
}

func TestNewAdvertisement(t *testing.T) {
	adv := newAdvertisement("A4:C1:38:0A:1B:2C", -64, fakePayload{
		name: "ATC_0A1B2C",
		sd: []bluetooth.ServiceDataElement{
			{UUID: bluetooth.New16BitUUID(0x181a), Data: []byte{1, 2, 3}},
		},
	})

	assert.Equal(t, "A4:C1:38:0A:1B:2C", adv.Addr())
	assert.Equal(t, "ATC_0A1B2C", adv.LocalName())
	assert.Equal(t, -64, adv.RSSI())
	assert.Equal(t, map[string][]byte{"181a": {1, 2, 3}}, adv.ServiceData(),
		"16-bit service UUIDs MUST use the short form")

	empty := newAdvertisement("", 0, fakePayload{})
	assert.Nil(t, empty.ServiceData())
}

func TestScanningDevice_Scan(t *testing.T) {
	// GOAL: Verify scanning forwards advertisements and stops the radio when the context ends
	//
	// TEST SCENARIO: Two advertisements from one address without duplicates → one delivered → cancel → context.Canceled

	a := newAdvertisement("aa:bb:cc:dd:ee:ff", -50, fakePayload{name: "one"})
	b := newAdvertisement("aa:bb:cc:dd:ee:ff", -51, fakePayload{name: "two"})
	r := newFakeRadio(a, b)
	d := &ScanningDevice{radio: r}

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- d.Scan(ctx, false, func(adv device.Advertisement) {
			seen = append(seen, adv.LocalName())
		})
	}()

	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.scanning
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Scan MUST return after cancellation")
	}
	assert.Equal(t, []string{"one"}, seen, "duplicates MUST be filtered when not allowed")
	assert.NoError(t, d.Stop(), "Stop after the scan ended MUST be a no-op")
}

func TestScanningDevice_AllowDuplicates(t *testing.T) {
	a := newAdvertisement("aa", 0, fakePayload{name: "one"})
	r := newFakeRadio(a, a, a)
	d := &ScanningDevice{radio: r}

	count := 0
	ctx, cancel := context.WithCancel(context.Background())
	err := d.Scan(ctx, true, func(device.Advertisement) {
		count++
		if count == 3 {
			cancel()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, count)
}

func TestScanningDevice_Errors(t *testing.T) {
	r := newFakeRadio()
	r.scanErr = errors.New("org.bluez.Error.NotReady: Resource Not Ready (adapter powered off)")
	d := &ScanningDevice{radio: r}

	err := d.Scan(context.Background(), true, func(device.Advertisement) {})
	assert.ErrorIs(t, err, device.ErrBluetoothOff)

	r = newFakeRadio()
	d = &ScanningDevice{radio: r}
	go func() { _ = r.StopScan() }()
	err = d.Scan(context.Background(), true, func(device.Advertisement) {})
	require.Error(t, err, "an unrequested stop MUST be reported")
}
