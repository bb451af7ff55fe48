// Package events delivers committed ledger mutations to live subscribers and
// external brokers.
package events

import (
	"context"
	"errors"

	"medcash/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.LedgerEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ domain.LedgerEvent) error {
	return nil
}

// Multi fans one event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event domain.LedgerEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
