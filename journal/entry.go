package journal

import "time"

// Entry represents an event that is to be appended to the journal
type Entry struct {
	Event any

	// Optional
	ID            string
	CausationID   string
	CorrelationID string
	Meta          map[string]string
	OccurredOn    time.Time
}

// StoredEntry holds a journaled event and its bookkeeping data
type StoredEntry struct {
	Event any
	Meta  map[string]string

	ID            string
	Sequence      uint64
	Type          string
	CausationID   *string
	CorrelationID *string
	StreamID      string
	StreamVersion int
	OccurredOn    time.Time
}

// Entries wraps plain events into entries
func Entries(events ...any) []Entry {
	out := make([]Entry, len(events))

	for i, e := range events {
		out[i] = Entry{Event: e}
	}

	return out
}
