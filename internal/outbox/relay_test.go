package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"atelier/api/internal/store"
)

type fakeSource struct {
	pending []store.OutboxEvent
	marked  []int64
}

func (f *fakeSource) UnpublishedEvents(_ context.Context, limit int) ([]store.OutboxEvent, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeSource) MarkEventsPublished(_ context.Context, ids []int64) error {
	f.marked = append(f.marked, ids...)
	remaining := f.pending[:0]
	for _, event := range f.pending {
		keep := true
		for _, id := range ids {
			if event.ID == id {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, event)
		}
	}
	f.pending = remaining
	return nil
}

type fakePublisher struct {
	published []store.OutboxEvent
	failAfter int // fail when len(published) reaches this; <0 disables
}

func (f *fakePublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, event)
	return nil
}

func pendingEvents(ids ...int64) []store.OutboxEvent {
	events := make([]store.OutboxEvent, 0, len(ids))
	for _, id := range ids {
		events = append(events, store.OutboxEvent{ID: id, EventID: "evt", EventType: "change_proposal.modified"})
	}
	return events
}

func TestDrainPublishesAndMarksInOrder(t *testing.T) {
	source := &fakeSource{pending: pendingEvents(1, 2, 3)}
	publisher := &fakePublisher{failAfter: -1}
	relay := NewRelay(source, publisher)

	if err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(publisher.published) != 3 {
		t.Fatalf("published %d events, want 3", len(publisher.published))
	}
	for i, id := range []int64{1, 2, 3} {
		if publisher.published[i].ID != id {
			t.Fatalf("event %d published out of order: got id %d, want %d", i, publisher.published[i].ID, id)
		}
	}
	if len(source.marked) != 3 {
		t.Fatalf("marked %d events, want 3", len(source.marked))
	}
}

func TestDrainStopsAtFirstFailureAndKeepsProgress(t *testing.T) {
	source := &fakeSource{pending: pendingEvents(1, 2, 3)}
	publisher := &fakePublisher{failAfter: 1}
	relay := NewRelay(source, publisher)

	if err := relay.Drain(context.Background()); err == nil {
		t.Fatal("Drain() expected error from failing publisher")
	}
	if len(publisher.published) != 1 {
		t.Fatalf("published %d events before failure, want 1", len(publisher.published))
	}
	// the successfully published event is marked; the rest stay pending
	if len(source.marked) != 1 || source.marked[0] != 1 {
		t.Fatalf("marked = %v, want [1]", source.marked)
	}
	if len(source.pending) != 2 {
		t.Fatalf("%d events still pending, want 2", len(source.pending))
	}
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	publisher := NewRedisPublisherWithClient(client, "atelier:events")
	defer publisher.Close()

	event := store.OutboxEvent{
		ID:        1,
		EventID:   "evt-1",
		EventType: "change_proposal.created",
		ActorID:   "user-1",
		Payload:   []byte(`{"id":"evt-1"}`),
	}
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	entries, err := s.Stream("atelier:events")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(entries))
	}
}
