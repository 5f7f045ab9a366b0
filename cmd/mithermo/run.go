package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/mithermo/internal/accessory"
	"github.com/srg/mithermo/internal/devicefactory"
	"github.com/srg/mithermo/internal/groutine"
	"github.com/srg/mithermo/internal/sink"
	"github.com/srg/mithermo/internal/sink/kafkasink"
	"github.com/srg/mithermo/internal/sink/logsink"
	"github.com/srg/mithermo/internal/sink/mqttsink"
	"github.com/srg/mithermo/pkg/config"
	"github.com/srg/mithermo/scanner"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll configured thermometers and publish their readings",
	Long: `Run one accessory per configured sensor. Every accessory scans for its
sensor each scan_interval and publishes the reading to the log and, when
configured, to an MQTT broker and a Kafka topic.

All accessories share a single BLE adapter.`,
	Example: `  mithermo run --config /etc/mithermo.yaml
  mithermo run --log-level debug`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "mithermo.yaml", "Path to the YAML configuration file")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		override, err := configureLogger(cmd, "", logger.GetLevel())
		if err != nil {
			return err
		}
		logger.SetLevel(override.GetLevel())
	}

	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close publishers")
		}
	}()

	hub, err := devicefactory.NewHub(devicefactory.Options{Backend: cfg.Backend, AdapterID: cfg.AdapterID}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := hub.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close BLE adapter")
		}
	}()

	accessories := make([]*accessory.Accessory, 0, len(cfg.Accessories))
	for _, ac := range cfg.Accessories {
		target, err := ac.Target()
		if err != nil {
			return fmt.Errorf("accessory %q: %w", ac.Name, err)
		}
		s := scanner.New(hub, target, logger)
		defer s.Close()

		accessories = append(accessories, accessory.New(ac.Options(formatVersion(version)), s, publisher, logger))
	}

	if err := hub.Open(ctx); err != nil {
		return err
	}

	return runAccessories(ctx, accessories, logger)
}

// runAccessories runs every accessory until ctx is done or one of them fails.
// The first failure cancels the others and is returned.
func runAccessories(ctx context.Context, accessories []*accessory.Accessory, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	for _, acc := range accessories {
		wg.Add(1)
		groutine.Go(ctx, "accessory-"+acc.Name(), func(ctx context.Context) {
			defer wg.Done()
			err := acc.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("accessory", acc.Name()).Error("Accessory stopped")
				cancel(fmt.Errorf("accessory %q: %w", acc.Name(), err))
			}
		})
	}
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ctx.Err()
}

// buildPublisher combines the log publisher with the configured brokers.
func buildPublisher(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (sink.Publisher, error) {
	publishers := []sink.Publisher{logsink.New(logger, logrus.InfoLevel)}

	if cfg.MQTTEnabled() {
		mqtt := mqttsink.New(cfg.MQTT, logger)
		if err := mqtt.Connect(ctx); err != nil {
			_ = mqtt.Close()
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		publishers = append(publishers, mqtt)
	}

	if cfg.KafkaEnabled() {
		kafka, err := kafkasink.New(cfg.Kafka, logger)
		if err != nil {
			_ = sink.Multi(publishers...).Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		publishers = append(publishers, kafka)
	}

	return sink.Multi(publishers...), nil
}
