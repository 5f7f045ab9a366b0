package main

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/mithermo/internal/device"
	"github.com/srg/mithermo/internal/devicefactory"
	"github.com/srg/mithermo/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// Test sensor identity used across command tests
const (
	TestSensorAddress = "A4:C1:38:0A:1B:2C"
	TestSensorName    = "ATC_0A1B2C"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// commandResult is what an asynchronously executed command produced.
type commandResult struct {
	stdout *syncBuffer
	stderr *syncBuffer
	done   chan error
}

// CommandTestSuite swaps the BLE device factory for a fake radio and resets
// command flags before each test.
type CommandTestSuite struct {
	suite.Suite
	Radio *testutils.FakeScanningDevice

	originalDeviceFactory func(backend, adapterID string) (device.ScanningDevice, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalDeviceFactory = devicefactory.DeviceFactory
}

func (s *CommandTestSuite) TearDownSuite() {
	devicefactory.DeviceFactory = s.originalDeviceFactory
}

func (s *CommandTestSuite) SetupTest() {
	resetFlags()

	s.Radio = testutils.NewFakeScanningDevice()
	devicefactory.DeviceFactory = func(string, string) (device.ScanningDevice, error) {
		return s.Radio, nil
	}
}

// NewRoot returns a root command carrying the global flags and sub.
func (s *CommandTestSuite) NewRoot(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "mithermo", SilenceErrors: true}
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.AddCommand(sub)
	return root
}

// ExecuteCommand runs a command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// ExecuteAsync starts a command in the background under ctx.
func (s *CommandTestSuite) ExecuteAsync(ctx context.Context, cmd *cobra.Command, args ...string) *commandResult {
	res := &commandResult{stdout: &syncBuffer{}, stderr: &syncBuffer{}, done: make(chan error, 1)}
	cmd.SetOut(res.stdout)
	cmd.SetErr(res.stderr)
	cmd.SetArgs(args)
	go func() { res.done <- cmd.ExecuteContext(ctx) }()
	return res
}

// Wait returns the command error, failing the test if it does not finish in time.
func (s *CommandTestSuite) Wait(res *commandResult, timeout time.Duration) error {
	select {
	case err := <-res.done:
		return err
	case <-time.After(timeout):
		s.FailNow("command MUST finish in time", "stderr:\n%s", res.stderr.String())
		return nil
	}
}

// AdvertiseReading waits for the radio to scan and feeds it one reading from the test sensor.
func (s *CommandTestSuite) AdvertiseReading(temp, humidity float64, battery uint8) {
	s.Require().True(s.Radio.WaitScan(2*time.Second), "radio MUST start scanning")
	adv := testutils.NewAdvertisementBuilder().
		WithAddress(TestSensorAddress).
		WithName(TestSensorName).
		WithReading(temp, humidity, battery).
		Build()
	s.Require().True(s.Radio.Advertise(adv), "advertisement MUST reach an active scan")
}

func resetFlags() {
	scanAddress = ""
	scanName = ""
	scanTimeout = 30 * time.Second
	scanCount = 1
	scanFormat = "table"
	scanBackend = devicefactory.BackendGoBLE
	scanAdapter = "hci0"
	scanVerbose = false

	decodeFormat = "table"

	runConfigPath = "mithermo.yaml"
}
