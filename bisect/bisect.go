// Package bisect provides range queries over sorted timestamp sequences
package bisect

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrUnsorted is returned when the timestamps handed to New are not in
// ascending order
var ErrUnsorted = errors.New("timestamps are not sorted")

// Bisector answers [t0, t1] window queries with two binary searches
type Bisector struct {
	ts []float64
}

// New builds a Bisector over ts. ts is not copied and must not be modified
// afterwards.
func New(ts []float64) (*Bisector, error) {
	if !sort.Float64sAreSorted(ts) {
		return nil, ErrUnsorted
	}

	return &Bisector{ts: ts}, nil
}

// Len returns the number of indexed timestamps
func (b *Bisector) Len() int { return len(b.ts) }

// Slice returns the index range [lo, hi) of all timestamps t with
// t0 <= t <= t1. Windows outside the stored range are clamped, an empty
// window yields lo == hi.
func (b *Bisector) Slice(t0, t1 float64) (lo, hi int) {
	lo = sort.Search(len(b.ts), func(i int) bool { return b.ts[i] >= t0 })
	hi = sort.Search(len(b.ts), func(i int) bool { return b.ts[i] > t1 })

	if hi < lo {
		hi = lo
	}

	return lo, hi
}

// ExportWindow returns the window [first-1, last+1] padding the whole
// sequence. ok is false when the sequence is empty.
func (b *Bisector) ExportWindow() (start, end float64, ok bool) {
	if len(b.ts) == 0 {
		return 0, 0, false
	}

	return b.ts[0] - 1, b.ts[len(b.ts)-1] + 1, true
}

// Index couples data with its timestamps for windowed lookups
type Index[T any] struct {
	*Bisector

	data []T
}

// NewIndex builds an Index. data and ts must have the same length.
func NewIndex[T any](data []T, ts []float64) (*Index[T], error) {
	if len(data) != len(ts) {
		return nil, errors.Errorf("data (%d) and timestamps (%d) differ in length", len(data), len(ts))
	}

	b, err := New(ts)
	if err != nil {
		return nil, err
	}

	return &Index[T]{Bisector: b, data: data}, nil
}

// Range returns the data whose timestamps fall inside [t0, t1]
func (x *Index[T]) Range(t0, t1 float64) []T {
	lo, hi := x.Slice(t0, t1)

	return x.data[lo:hi]
}

// At returns the i-th element
func (x *Index[T]) At(i int) T { return x.data[i] }
