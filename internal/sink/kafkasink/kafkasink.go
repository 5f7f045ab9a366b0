// Package kafkasink writes updates as JSON messages keyed by accessory name.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/sink"
)

// Options configures the Kafka publisher.
type Options struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic" default:"mithermo.readings"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
}

// DefaultOptions returns options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// writer is the part of kafka.Writer the publisher uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per update.
type Publisher struct {
	w      writer
	opts   Options
	logger *logrus.Logger
}

// New creates a publisher writing to opts.Topic.
func New(opts Options, logger *logrus.Logger) (*Publisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if logger == nil {
		logger = logrus.New()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		WriteTimeout: opts.WriteTimeout,
	}
	return &Publisher{w: w, opts: opts, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, u sink.Update) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(u.Accessory),
		Value: value,
		Time:  u.Timestamp,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.opts.Topic, err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.opts.Topic,
		"accessory": u.Accessory,
	}).Debug("Published Kafka message")
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
