// Package logsink writes updates as structured log lines.
package logsink

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/mithermo/internal/sink"
)

// Publisher logs every update at the configured level.
type Publisher struct {
	logger *logrus.Logger
	level  logrus.Level
}

// New creates a log publisher. A nil logger defaults to logrus.New().
func New(logger *logrus.Logger, level logrus.Level) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{logger: logger, level: level}
}

func (p *Publisher) Publish(_ context.Context, u sink.Update) error {
	fields := logrus.Fields{
		"accessory": u.Accessory,
	}
	if u.Address != "" {
		fields["address"] = u.Address
	}
	if u.Characteristics != nil {
		for pair := u.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			fields[pair.Key] = pair.Value
		}
	}
	p.logger.WithFields(fields).Log(p.level, "Thermometer updated: "+u.Reading.String())
	return nil
}

func (p *Publisher) Close() error { return nil }
