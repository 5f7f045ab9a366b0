package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/mithermo/internal/advert"
	"github.com/srg/mithermo/internal/devicefactory"
	"github.com/srg/mithermo/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Wait for readings from one thermometer",
	Long: `Listen for advertisements of one thermometer, selected by hardware address
or by advertised name, and print its decoded readings.

Address matching ignores case and separators; name matching is exact.`,
	Example: `  mithermo scan --address A4:C1:38:0A:1B:2C
  mithermo scan --name ATC_0A1B2C --count 3 --format json`,
	RunE: runScan,
}

var (
	scanAddress string
	scanName    string
	scanTimeout time.Duration
	scanCount   int
	scanFormat  string
	scanBackend string
	scanAdapter string
	scanVerbose bool
)

var outputFormats = []string{"table", "json"}

func init() {
	scanCmd.Flags().StringVarP(&scanAddress, "address", "a", "", "Sensor hardware address")
	scanCmd.Flags().StringVarP(&scanName, "name", "n", "", "Sensor advertised local name (case-sensitive)")
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 30*time.Second, "Give up after this long (0 waits forever)")
	scanCmd.Flags().IntVarP(&scanCount, "count", "c", 1, "Number of readings to collect")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanBackend, "backend", devicefactory.BackendGoBLE, "BLE backend ("+strings.Join(devicefactory.Backends, ", ")+")")
	scanCmd.Flags().StringVar(&scanAdapter, "adapter", "hci0", "Adapter id (tinygo backend)")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Enable debug logging")
}

type scanResult struct {
	Address string    `json:"address,omitempty"`
	RSSI    int       `json:"rssi"`
	Time    time.Time `json:"time"`
	advert.Reading
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains(outputFormats, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of %v", scanFormat, outputFormats)
	}
	if scanCount < 1 {
		return fmt.Errorf("invalid count %d: must be at least 1", scanCount)
	}
	target, err := scanner.TargetFromConfig(scanAddress, scanName)
	if err != nil {
		return fmt.Errorf("%w (use --address or --name)", err)
	}
	if err := devicefactory.ValidateBackend(scanBackend); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", logrus.WarnLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanTimeout)
		defer cancel()
	}

	hub, err := devicefactory.NewHub(devicefactory.Options{Backend: scanBackend, AdapterID: scanAdapter}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := hub.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close BLE adapter")
		}
	}()

	s := scanner.New(hub, target, logger)
	defer s.Close()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Waiting for "+target.String(), scanTimeout)
	progress.Start()
	defer progress.Stop()

	// The adapter powering on opens the first session.
	if err := hub.Open(ctx); err != nil {
		return err
	}

	results, err := collectReadings(ctx, s, scanCount)
	progress.Stop()

	if len(results) > 0 {
		if werr := writeResults(cmd.OutOrStdout(), results, scanFormat); werr != nil {
			return werr
		}
	}
	return err
}

// collectReadings gathers count readings, opening a new session after each one.
func collectReadings(ctx context.Context, s *scanner.Scanner, count int) ([]scanResult, error) {
	results := make([]scanResult, 0, count)
	for len(results) < count {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return results, fmt.Errorf("%w from %s within %s", ErrNoReading, s.Target(), scanTimeout)
			}
			return results, ctx.Err()

		case ev, ok := <-s.Events():
			if !ok {
				return results, errors.New("scanner closed")
			}
			if ev.Kind == scanner.EventError {
				return results, ev.Err
			}
			results = append(results, scanResult{
				Address: ev.Address,
				RSSI:    ev.RSSI,
				Time:    time.Now(),
				Reading: ev.Reading,
			})
			if len(results) < count {
				s.Start()
			}
		}
	}
	return results, nil
}

func writeResults(w io.Writer, results []scanResult, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTEMPERATURE\tHUMIDITY\tBATTERY\tRSSI")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%.2f °C\t%.2f %%\t%d %%\t%d dBm\n",
			r.Address, r.TemperatureCelsius, r.RelativeHumidityPercent, r.BatteryPercent, r.RSSI)
	}
	return tw.Flush()
}
