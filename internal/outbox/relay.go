// Package outbox delivers committed domain events to external consumers.
// Mutations write events into the outbox table inside their own
// transaction; the relay is the only component that publishes them, so no
// event is ever observable for a mutation that rolled back.
package outbox

import (
	"context"
	"log"
	"time"

	"atelier/api/internal/store"
)

// Publisher pushes one committed event to the external message channel.
type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type eventSource interface {
	UnpublishedEvents(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkEventsPublished(ctx context.Context, ids []int64) error
}

// Relay polls the outbox table and hands unpublished rows to the publisher
// in commit order. Rows are marked published only after the publisher
// accepted them, so delivery is at-least-once and consumers must
// de-duplicate on the event id.
type Relay struct {
	source    eventSource
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(source eventSource, publisher Publisher) *Relay {
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  500 * time.Millisecond,
		batchSize: 100,
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				log.Printf("outbox: drain failed: %v", err)
			}
		}
	}
}

// Drain publishes one batch of pending events. Publishing stops at the
// first failure so commit order is preserved on retry.
func (r *Relay) Drain(ctx context.Context) error {
	events, err := r.source.UnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return err
	}

	var published []int64
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			if markErr := r.markPublished(ctx, published); markErr != nil {
				return markErr
			}
			return err
		}
		published = append(published, event.ID)
	}
	return r.markPublished(ctx, published)
}

func (r *Relay) markPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.source.MarkEventsPublished(ctx, ids)
}
