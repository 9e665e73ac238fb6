package aggregate

import (
	"context"

	"github.com/aneshas/gazepipe/journal"
	"github.com/pkg/errors"
)

// ErrAggregateNotFound is returned when the stream of an aggregate does not exist
var ErrAggregateNotFound = errors.New("aggregate not found")

// Rooter is implemented by aggregates embedding Root
type Rooter interface {
	StringID() string
	Version() int
	Events() []any
	Commit()
	Rehydrate(aggregatePtr any, events ...any)
}

// EventStore represents the journal operations the store needs
type EventStore interface {
	AppendStream(ctx context.Context, stream string, version int, entries []journal.Entry) error
	ReadStream(ctx context.Context, stream string) ([]journal.StoredEntry, error)
}

// NewStore constructs new event sourced aggregate store
func NewStore[T Rooter](eventStore EventStore) *Store[T] {
	return &Store[T]{
		eventStore: eventStore,
	}
}

// Store persists aggregates as journal streams
type Store[T Rooter] struct {
	eventStore EventStore
}

// Save appends the uncommitted events of aggregate to its stream. Meta,
// causation and correlation ids attached to ctx are stored with them.
func (s *Store[T]) Save(ctx context.Context, aggregate T) error {
	events := aggregate.Events()

	if len(events) == 0 {
		return nil
	}

	entries := make([]journal.Entry, len(events))

	for i, evt := range events {
		entries[i] = journal.Entry{
			Event:         evt,
			Meta:          metaFromCtx(ctx),
			CausationID:   stringFromCtx(ctx, ctxCausationKey),
			CorrelationID: stringFromCtx(ctx, ctxCorrelationKey),
		}
	}

	err := s.eventStore.AppendStream(ctx, aggregate.StringID(), aggregate.Version(), entries)
	if err != nil {
		return err
	}

	aggregate.Commit()

	return nil
}

// ByID reads the stream of id and rehydrates aggregate from it
func (s *Store[T]) ByID(ctx context.Context, id string, aggregate T) error {
	stored, err := s.eventStore.ReadStream(ctx, id)
	if errors.Is(err, journal.ErrStreamNotFound) {
		return errors.Wrap(ErrAggregateNotFound, id)
	}

	if err != nil {
		return err
	}

	events := make([]any, len(stored))

	for i, e := range stored {
		events[i] = e.Event
	}

	aggregate.Rehydrate(aggregate, events...)

	return nil
}
