package scanner_test

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/device"
	"github.com/srg/mithermo/internal/testutils"
	"github.com/srg/mithermo/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	suitelib "github.com/stretchr/testify/suite"
)

const targetAddr = "A4:C1:38:0A:1B:2C"

type ScannerTestSuite struct {
	suitelib.Suite

	Logger  *logrus.Logger
	adapter *testutils.MockAdapter
	scanner *scanner.Scanner
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.Logger = logrus.New()
	suite.Logger.SetOutput(io.Discard)

	suite.adapter = testutils.NewMockAdapter()
	suite.scanner = scanner.New(suite.adapter, scanner.AddressTarget(targetAddr), suite.Logger)
}

func (suite *ScannerTestSuite) TearDownTest() {
	suite.adapter.On("StopScanning").Return(nil).Maybe()
	suite.scanner.Close()
}

func (suite *ScannerTestSuite) expectScan() {
	suite.adapter.On("StartScanning").Return(nil)
	suite.adapter.On("StopScanning").Return(nil)
}

// drainEvents returns every event currently buffered.
func (suite *ScannerTestSuite) drainEvents() []scanner.Event {
	var events []scanner.Event
	for {
		select {
		case ev, ok := <-suite.scanner.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (suite *ScannerTestSuite) matching() device.Advertisement {
	return testutils.NewAdvertisementBuilder().
		WithAddress(targetAddr).
		WithName("ATC_0A1B2C").
		WithReading(23.2, 50.08, 60).
		Build()
}

func (suite *ScannerTestSuite) TestNewSubscribes() {
	suite.Equal(1, suite.adapter.Subscribers(), "scanner MUST subscribe at construction")
	suite.False(suite.scanner.Scanning())
	suite.Equal(scanner.MatchAddress, suite.scanner.Target().Mode())
}

func (suite *ScannerTestSuite) TestSessionEmitsOneReading() {
	// GOAL: Verify a matching, decodable advertisement yields exactly one reading and ends the session
	//
	// TEST SCENARIO: Start → matching discover → reading + StopScanning → replay discover → no second reading

	suite.expectScan()

	suite.scanner.Start()
	suite.True(suite.scanner.Scanning())

	suite.adapter.Discover(suite.matching())
	suite.adapter.Discover(suite.matching())

	events := suite.drainEvents()
	suite.Require().Len(events, 1, "exactly one reading MUST be emitted per session")
	suite.Equal(scanner.EventReading, events[0].Kind)
	suite.InDelta(23.2, events[0].Reading.TemperatureCelsius, 1e-9)
	suite.InDelta(50.08, events[0].Reading.RelativeHumidityPercent, 1e-9)
	suite.Equal(uint8(60), events[0].Reading.BatteryPercent)
	suite.Equal(targetAddr, events[0].Address)
	suite.Equal(-60, events[0].RSSI)

	suite.False(suite.scanner.Scanning(), "session MUST end after the reading")
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 1)
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)
}

func (suite *ScannerTestSuite) TestReusableAfterSession() {
	suite.expectScan()

	suite.scanner.Start()
	suite.adapter.Discover(suite.matching())
	suite.scanner.Start()
	suite.adapter.Discover(suite.matching())

	events := suite.drainEvents()
	suite.Len(events, 2, "each session MUST yield its own reading")
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 2)
}

func (suite *ScannerTestSuite) TestStartWhileScanningKeepsSession() {
	suite.expectScan()

	suite.scanner.Start()
	suite.scanner.Start()

	suite.True(suite.scanner.Scanning())
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 1)
}

func (suite *ScannerTestSuite) TestIdentityFiltering() {
	// GOAL: Verify advertisements from other peripherals never produce events
	//
	// TEST SCENARIO: Start → discover from other address with valid payload → discover without address → no events, still scanning

	suite.expectScan()
	suite.scanner.Start()

	suite.adapter.Discover(testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithReading(20, 40, 90).
		Build())
	suite.adapter.Discover(testutils.NewAdvertisementBuilder().
		WithName("ATC_0A1B2C").
		WithReading(20, 40, 90).
		Build())

	suite.Empty(suite.drainEvents(), "non-matching advertisements MUST NOT emit events")
	suite.True(suite.scanner.Scanning())
	suite.adapter.AssertNotCalled(suite.T(), "StopScanning")
}

func (suite *ScannerTestSuite) TestDecodeFailureKeepsSession() {
	// GOAL: Verify a malformed payload from the target is ignored and a later good one is accepted
	//
	// TEST SCENARIO: Start → short payload → no service data → valid payload → single reading

	suite.expectScan()
	suite.scanner.Start()

	suite.adapter.Discover(testutils.NewAdvertisementBuilder().
		WithAddress(targetAddr).
		WithServiceData(testutils.ATCServiceUUID, []byte{1, 2, 3}).
		Build())
	suite.adapter.Discover(testutils.NewAdvertisementBuilder().WithAddress(targetAddr).Build())

	suite.Empty(suite.drainEvents())
	suite.True(suite.scanner.Scanning(), "decode failure MUST NOT end the session")

	suite.adapter.Discover(suite.matching())
	suite.Len(suite.drainEvents(), 1)
}

func (suite *ScannerTestSuite) TestDecodesAnyServiceDataEntry() {
	suite.expectScan()
	suite.scanner.Start()

	suite.adapter.Discover(testutils.NewAdvertisementBuilder().
		WithAddress(targetAddr).
		WithServiceData("0000fe95-0000-1000-8000-00805f9b34fb", []byte{0x01}).
		WithServiceData(testutils.ATCServiceUUID, testutils.EncodePayload(-5.5, 33.3, 7)).
		Build())

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.InDelta(-5.5, events[0].Reading.TemperatureCelsius, 1e-9)
	suite.Equal(uint8(7), events[0].Reading.BatteryPercent)
}

func (suite *ScannerTestSuite) TestDiscoverWhileIdleIgnored() {
	suite.adapter.Discover(suite.matching())

	suite.Empty(suite.drainEvents(), "idle scanner MUST NOT emit readings")
	suite.adapter.AssertNotCalled(suite.T(), "StopScanning")
}

func (suite *ScannerTestSuite) TestStopIdempotent() {
	// GOAL: Verify Stop is a silent no-op when idle and ends an open session without events
	//
	// TEST SCENARIO: Stop on idle → nothing; Start → Stop → Stop → one StopScanning, no events

	suite.scanner.Stop()
	suite.adapter.AssertNotCalled(suite.T(), "StopScanning")

	suite.expectScan()
	suite.scanner.Start()
	suite.scanner.Stop()
	suite.scanner.Stop()

	suite.False(suite.scanner.Scanning())
	suite.Empty(suite.drainEvents(), "Stop MUST NOT emit events")
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)

	suite.adapter.Discover(suite.matching())
	suite.Empty(suite.drainEvents())
}

func (suite *ScannerTestSuite) TestStartFailureEmitsError() {
	// GOAL: Verify an adapter start failure is surfaced once as an error event and not retried
	//
	// TEST SCENARIO: StartScanning fails → EventError with the adapter error → scanner stays idle

	startErr := &device.AdapterError{Op: "start", Err: device.ErrNotPoweredOn}
	suite.adapter.On("StartScanning").Return(startErr).Once()

	suite.scanner.Start()

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.Equal(scanner.EventError, events[0].Kind)
	suite.ErrorIs(events[0].Err, device.ErrNotPoweredOn)
	suite.False(suite.scanner.Scanning())
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 1)
	suite.adapter.AssertNotCalled(suite.T(), "StopScanning")
}

func (suite *ScannerTestSuite) TestPowerStateTransitions() {
	// GOAL: Verify adapter power transitions drive the session
	//
	// TEST SCENARIO: poweredOn while idle → scanning; poweredOff → idle; poweredOn while scanning → no extra start

	suite.expectScan()

	suite.adapter.SetState(device.StatePoweredOn)
	suite.True(suite.scanner.Scanning(), "poweredOn while idle MUST start a session")

	suite.adapter.SetState(device.StatePoweredOn)
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 1)

	suite.adapter.SetState(device.StatePoweredOff)
	suite.False(suite.scanner.Scanning(), "poweredOff MUST end the session")
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)

	suite.adapter.SetState(device.StateUnavailable)
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)
	suite.Empty(suite.drainEvents())
}

func (suite *ScannerTestSuite) TestAsyncScanFailure() {
	suite.expectScan()
	suite.scanner.Start()

	suite.adapter.ScanStop(&device.AdapterError{Op: "scan", Err: device.ErrBluetoothOff})

	events := suite.drainEvents()
	suite.Require().Len(events, 1)
	suite.Equal(scanner.EventError, events[0].Kind)
	suite.ErrorIs(events[0].Err, device.ErrBluetoothOff)
	suite.False(suite.scanner.Scanning())
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)

	suite.adapter.ScanStop(nil)
	suite.adapter.ScanStart()
	suite.adapter.Warn("something odd")
	suite.Empty(suite.drainEvents())
}

func (suite *ScannerTestSuite) TestCloseDetaches() {
	suite.expectScan()
	suite.scanner.Start()

	suite.scanner.Close()
	suite.scanner.Close()

	suite.Equal(0, suite.adapter.Subscribers())
	suite.adapter.AssertNumberOfCalls(suite.T(), "StopScanning", 1)

	_, ok := <-suite.scanner.Events()
	suite.False(ok, "Events MUST be closed after Close")

	suite.scanner.Start()
	suite.adapter.AssertNumberOfCalls(suite.T(), "StartScanning", 1)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}

func TestScanner_ClosedIgnoresNotifications(t *testing.T) {
	// GOAL: Verify notifications queued before Close are dropped silently once the scanner is closed
	//
	// TEST SCENARIO: Close scanner → deliver every notification kind directly → no log entries, no events, no adapter calls

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	adapter := testutils.NewMockAdapter()
	s := scanner.New(adapter, scanner.AddressTarget(targetAddr), logger)
	s.Close()
	hook.Reset()

	s.OnScanStart()
	s.OnWarning("controller busy")
	s.OnScanStop(nil)
	s.OnScanStop(device.ErrBluetoothOff)
	s.OnStateChange(device.StatePoweredOn)
	s.OnDiscover(testutils.NewAdvertisementBuilder().WithAddress(targetAddr).WithReading(20, 40, 90).Build())

	assert.Empty(t, hook.AllEntries(), "closed scanner MUST NOT log")
	assert.False(t, s.Scanning())
	_, open := <-s.Events()
	assert.False(t, open, "events MUST stay closed")
	adapter.AssertNotCalled(t, "StartScanning")
}

func TestTarget_AddressMatch(t *testing.T) {
	target, err := scanner.TargetFromConfig("AA:BB:CC:DD:EE:FF", "")
	require.NoError(t, err)

	assert.True(t, target.Matches(testutils.NewAdvertisementBuilder().WithAddress("aabbccddeeff").Build()),
		"address matching MUST ignore case and separators")
	assert.True(t, target.Matches(testutils.NewAdvertisementBuilder().WithAddress("aa-bb-cc-dd-ee-ff").Build()))
	assert.False(t, target.Matches(testutils.NewAdvertisementBuilder().WithAddress("aabbccddeef0").Build()))
	assert.False(t, target.Matches(testutils.NewAdvertisementBuilder().WithName("aabbccddeeff").Build()))
	assert.Equal(t, "address=aabbccddeeff", target.String())
}

func TestTarget_NameMatch(t *testing.T) {
	target, err := scanner.TargetFromConfig("", "LYWSD03MMC")
	require.NoError(t, err)

	assert.True(t, target.Matches(testutils.NewAdvertisementBuilder().WithName("LYWSD03MMC").Build()))
	assert.False(t, target.Matches(testutils.NewAdvertisementBuilder().WithName("lywsd03mmc").Build()),
		"name matching MUST be case-sensitive")
	assert.False(t, target.Matches(testutils.NewAdvertisementBuilder().WithName("LYWSD03MMC ").Build()))
	assert.False(t, target.Matches(testutils.NewAdvertisementBuilder().WithAddress("LYWSD03MMC").Build()))
	assert.Equal(t, scanner.MatchName, target.Mode())
}

func TestTargetFromConfig_Validation(t *testing.T) {
	_, err := scanner.TargetFromConfig("", "")
	assert.ErrorIs(t, err, scanner.ErrNoTarget)

	_, err = scanner.TargetFromConfig("AA:BB", "name")
	assert.ErrorIs(t, err, scanner.ErrAmbiguousTarget)

	_, err = scanner.TargetFromConfig("::", "")
	assert.ErrorIs(t, err, scanner.ErrNoTarget)
}

func TestScanner_SharedAdapter(t *testing.T) {
	// GOAL: Verify two scanners on one adapter filter independently and each releases only its own lease
	//
	// TEST SCENARIO: Two scanners started → discover for A → only A reads and stops → discover for B → B reads

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	adapter := testutils.NewMockAdapter()
	adapter.On("StartScanning").Return(nil)
	adapter.On("StopScanning").Return(nil)

	a := scanner.New(adapter, scanner.AddressTarget("AA:AA:AA:AA:AA:AA"), logger)
	b := scanner.New(adapter, scanner.NameTarget("Kitchen"), logger)
	defer a.Close()
	defer b.Close()

	a.Start()
	b.Start()

	adapter.Discover(testutils.NewAdvertisementBuilder().WithAddress("aa:aa:aa:aa:aa:aa").WithReading(21, 45, 80).Build())

	select {
	case ev := <-a.Events():
		assert.Equal(t, scanner.EventReading, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("scanner A MUST receive its reading")
	}
	assert.False(t, a.Scanning())
	assert.True(t, b.Scanning(), "scanner B MUST keep scanning")
	adapter.AssertNumberOfCalls(t, "StopScanning", 1)

	adapter.Discover(testutils.NewAdvertisementBuilder().WithName("Kitchen").WithReading(19, 55, 70).Build())

	select {
	case ev := <-b.Events():
		assert.InDelta(t, 19.0, ev.Reading.TemperatureCelsius, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("scanner B MUST receive its reading")
	}
	adapter.AssertNumberOfCalls(t, "StopScanning", 2)
}

func TestScanner_WithHub(t *testing.T) {
	// GOAL: Verify the scanner works end to end over the hub and a fake radio
	//
	// TEST SCENARIO: Open hub → scanner auto-starts on poweredOn → radio advertises → reading → radio stops

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	radio := testutils.NewFakeScanningDevice()
	hub := device.NewHub(func() (device.ScanningDevice, error) { return radio, nil }, nil, logger)
	defer hub.Close()

	s := scanner.New(hub, scanner.AddressTarget(targetAddr), logger)
	defer s.Close()

	require.NoError(t, hub.Open(t.Context()))
	require.True(t, radio.WaitScan(time.Second), "poweredOn MUST start the radio")

	adv := testutils.NewAdvertisementBuilder().WithAddress(targetAddr).WithReading(23.2, 50.08, 60).Build()
	require.True(t, radio.Advertise(adv))

	select {
	case ev := <-s.Events():
		require.Equal(t, scanner.EventReading, ev.Kind)
		assert.Equal(t, advert.Reading{TemperatureCelsius: 23.2, RelativeHumidityPercent: 50.08, BatteryPercent: 60}, ev.Reading)
	case <-time.After(time.Second):
		t.Fatal("reading MUST be delivered")
	}

	assert.Eventually(t, func() bool { return !hub.Scanning() && !radio.Active() }, time.Second, 5*time.Millisecond,
		"radio MUST stop once the only session ends")
	assert.Equal(t, 0, hub.Leases())
}
