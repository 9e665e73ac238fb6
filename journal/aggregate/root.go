// Package aggregate provides an event sourced aggregate root persisted in a
// journal stream.
package aggregate

import (
	"fmt"
	"reflect"
)

var (
	// ErrMissingAggregateEventHandler is returned when aggregate event handler is missing
	// On{EventName} method
	ErrMissingAggregateEventHandler = fmt.Errorf("missing aggregate event handler")

	// ErrAggregateRootNotAPointer is returned when supplied aggregate root is not a pointer
	ErrAggregateRootNotAPointer = fmt.Errorf("aggregate needs to be a pointer")

	// ErrAggregateRootNotRehydrated is returned when aggregate is not rehydrated (with Rehydrate method)
	ErrAggregateRootNotRehydrated = fmt.Errorf("aggregate needs to be rehydrated")
)

// Root is an embeddable event sourced aggregate root. It keeps track of
// the aggregate version and its uncommitted events and dispatches every
// event to the On{EventName} handler of the embedding aggregate.
type Root[T fmt.Stringer] struct {
	ID T

	version      int
	domainEvents []any

	ptr reflect.Value
}

// Rehydrate binds the aggregate pointer and replays events onto it
func (a *Root[T]) Rehydrate(aggregatePtr any, events ...any) {
	a.ptr = reflect.ValueOf(aggregatePtr)

	if a.ptr.Kind() != reflect.Ptr {
		panic(ErrAggregateRootNotAPointer)
	}

	a.version = 0
	a.domainEvents = nil

	for _, evt := range events {
		a.mutate(evt)

		a.version++
	}
}

// StringID returns the aggregate id, which is also its stream name
func (a *Root[T]) StringID() string { return a.ID.String() }

// Version returns the version of the last persisted event
func (a *Root[T]) Version() int { return a.version }

// Events returns uncommitted domain events (produced by calling Apply)
func (a *Root[T]) Events() []any {
	if a.domainEvents == nil {
		return []any{}
	}

	return a.domainEvents
}

// Commit marks the uncommitted events as persisted
func (a *Root[T]) Commit() {
	a.version += len(a.domainEvents)
	a.domainEvents = nil
}

// Apply mutates the aggregate through its event handlers and records
// events as uncommitted. An aggregate producing SomethingHappened needs
//
//	func (a *SomeAggregate) OnSomethingHappened(e SomethingHappened)
func (a *Root[T]) Apply(events ...any) {
	if !a.ptr.IsValid() {
		panic(ErrAggregateRootNotRehydrated)
	}

	for _, evt := range events {
		a.mutate(evt)

		a.domainEvents = append(a.domainEvents, evt)
	}
}

func (a *Root[T]) mutate(evt any) {
	h := a.ptr.MethodByName("On" + reflect.TypeOf(evt).Name())

	if !h.IsValid() {
		panic(fmt.Errorf("%w: On%s", ErrMissingAggregateEventHandler, reflect.TypeOf(evt).Name()))
	}

	h.Call([]reflect.Value{
		reflect.ValueOf(evt),
	})
}
