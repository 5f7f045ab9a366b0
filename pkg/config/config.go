package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/accessory"
	"github.com/srg/mithermo/internal/devicefactory"
	"github.com/srg/mithermo/internal/sink/kafkasink"
	"github.com/srg/mithermo/internal/sink/mqttsink"
	"github.com/srg/mithermo/scanner"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel    string            `yaml:"log_level" default:"info"`
	Backend     string            `yaml:"backend" default:"go-ble"`
	AdapterID   string            `yaml:"adapter_id" default:"hci0"`
	Accessories []AccessoryConfig `yaml:"accessories"`
	MQTT        mqttsink.Options  `yaml:"mqtt"`
	Kafka       kafkasink.Options `yaml:"kafka"`
}

// AccessoryConfig describes one sensor. Exactly one of Address and DeviceName
// must be set.
type AccessoryConfig struct {
	Name                string        `yaml:"name"`
	Address             string        `yaml:"address"`
	DeviceName          string        `yaml:"device_name"`
	ScanInterval        time.Duration `yaml:"scan_interval" default:"60s"`
	LowBatteryThreshold int           `yaml:"low_battery_threshold" default:"10"`
}

// UnmarshalYAML applies defaults before decoding, so explicit zero values in
// the document are kept.
func (a *AccessoryConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain AccessoryConfig
	p := plain{}
	defaults.SetDefaults(&p)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*a = AccessoryConfig(p)
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Keys missing from the file keep their
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if err := devicefactory.ValidateBackend(c.Backend); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if len(c.Accessories) == 0 {
		errs = append(errs, errors.New("accessories: at least one accessory is required"))
	}

	seen := make(map[string]bool, len(c.Accessories))
	for i, a := range c.Accessories {
		prefix := fmt.Sprintf("accessories[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, a.Name))
		}
		seen[a.Name] = true

		if _, err := a.Target(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if a.ScanInterval <= 0 {
			errs = append(errs, fmt.Errorf("%s: scan_interval must be positive", prefix))
		}
		if a.LowBatteryThreshold < 0 || a.LowBatteryThreshold > 100 {
			errs = append(errs, fmt.Errorf("%s: low_battery_threshold must be within 0..100", prefix))
		}
	}

	return errors.Join(errs...)
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (c *Config) MQTTEnabled() bool { return c.MQTT.Broker != "" }

// KafkaEnabled reports whether Kafka brokers are configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// Target returns the scanner target for this accessory.
func (a AccessoryConfig) Target() (scanner.Target, error) {
	return scanner.TargetFromConfig(a.Address, a.DeviceName)
}

// Options converts the accessory configuration.
func (a AccessoryConfig) Options(firmwareRevision string) accessory.Options {
	return accessory.Options{
		Name:                a.Name,
		ScanInterval:        a.ScanInterval,
		LowBatteryThreshold: a.LowBatteryThreshold,
		FirmwareRevision:    firmwareRevision,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
