// Package mqttsink publishes updates to an MQTT broker: one retained message
// per characteristic plus a JSON state document per accessory.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/sink"
)

// ErrStopped is returned by Connect after Close.
var ErrStopped = errors.New("mqtt client stopped")

// Options configures the MQTT publisher.
type Options struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id" default:"mithermo"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix" default:"mithermo"`
	QoS            byte          `yaml:"qos" default:"1"`
	Retain         bool          `yaml:"retain" default:"true"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
}

// DefaultOptions returns options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher publishes updates to MQTT.
type Publisher struct {
	client client
	opts   Options
	logger *logrus.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a publisher for opts.Broker. Call Connect before publishing.
func New(opts Options, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Publisher{opts: opts, logger: logger, stopCh: make(chan struct{})}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.WithField("broker", opts.Broker).Info("MQTT connected")
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).WithField("broker", opts.Broker).Warn("MQTT connection lost")
	})

	p.client = mqtt.NewClient(co)
	return p
}

func newWithClient(c client, opts Options, logger *logrus.Logger) *Publisher {
	return &Publisher{client: c, opts: opts, logger: logger, stopCh: make(chan struct{})}
}

// Connect waits for the initial broker connection, honouring ctx and Close.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}
	if p.client.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Topic returns the topic for one characteristic of an accessory.
func (p *Publisher) Topic(accessory, leaf string) string {
	parts := make([]string, 0, 3)
	if prefix := strings.Trim(p.opts.TopicPrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	return strings.Join(append(parts, topicSegment(accessory), leaf), "/")
}

// topicSegment keeps accessory names from introducing topic levels or wildcards.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(s)
}

func (p *Publisher) Publish(ctx context.Context, u sink.Update) error {
	var errs []error

	if u.Characteristics != nil {
		for pair := u.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			payload := strconv.FormatFloat(pair.Value, 'f', -1, 64)
			if err := p.publish(ctx, p.Topic(u.Accessory, pair.Key), []byte(payload)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	state, err := json.Marshal(u)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("marshal state: %w", err))...)
	}
	if err := p.publish(ctx, p.Topic(u.Accessory, "state"), state); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	token := p.client.Publish(topic, p.opts.QoS, p.opts.Retain, payload)
	if !token.WaitTimeout(p.opts.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.WithField("topic", topic).Debug("Published MQTT message")
	return nil
}

// Close disconnects from the broker. Safe to call more than once.
func (p *Publisher) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.client.Disconnect(250)
		p.logger.Debug("MQTT disconnected")
	})
	return nil
}
