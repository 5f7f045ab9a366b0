// Package sink republishes characteristic updates outside the process.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/srg/mithermo/internal/advert"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Update is one accessory refresh: the reading that caused it and the value of
// every characteristic, in the accessory's characteristic order.
type Update struct {
	Accessory       string                                  `json:"accessory"`
	Address         string                                  `json:"address,omitempty"`
	RSSI            int                                     `json:"rssi,omitempty"`
	Timestamp       time.Time                               `json:"timestamp"`
	Reading         advert.Reading                          `json:"reading"`
	Characteristics *orderedmap.OrderedMap[string, float64] `json:"characteristics"`
}

// Publisher delivers updates. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
	Close() error
}

type multi []Publisher

// Multi fans an update out to every publisher. Failures are joined; one
// failing publisher does not keep the others from receiving the update.
func Multi(publishers ...Publisher) Publisher {
	flat := make(multi, 0, len(publishers))
	for _, p := range publishers {
		if p == nil {
			continue
		}
		if m, ok := p.(multi); ok {
			flat = append(flat, m...)
			continue
		}
		flat = append(flat, p)
	}
	return flat
}

func (m multi) Publish(ctx context.Context, u Update) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every update.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Update) error { return nil }
func (discard) Close() error                          { return nil }
