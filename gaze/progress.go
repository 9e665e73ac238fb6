package gaze

import "math"

// Progress returns (current-first)/(last-first). A zero span counts as done.
func Progress(first, last, current float64) float64 {
	span := last - first
	if span == 0 {
		return 1
	}

	return (current - first) / span
}

// ProgressReporter calls report whenever the integer percentage of the
// covered span changes
type ProgressReporter struct {
	first, last float64
	percent     int
	report      func(percent int, progress float64)
}

// NewProgressReporter creates a reporter over [first, last]
func NewProgressReporter(first, last float64, report func(percent int, progress float64)) *ProgressReporter {
	return &ProgressReporter{
		first:   first,
		last:    last,
		percent: -1,
		report:  report,
	}
}

// Update reports progress at ts if the percentage moved. It returns whether
// a report was made.
func (r *ProgressReporter) Update(ts float64) bool {
	p := Progress(r.first, r.last, ts)
	pct := int(math.Floor(p * 100))

	if pct == r.percent {
		return false
	}

	r.percent = pct

	if r.report != nil {
		r.report(pct, p)
	}

	return true
}

// Monotonic turns a sequence of emitted timestamps into a non-decreasing
// one by clamping each value to the highest seen so far
type Monotonic struct {
	highest float64
	started bool
}

// Next returns max(ts, highest timestamp so far)
func (m *Monotonic) Next(ts float64) float64 {
	if !m.started || ts > m.highest {
		m.highest = ts
		m.started = true
	}

	return m.highest
}
