package domain

import "time"

// Span is an inclusive range of calendar dates.
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether d falls inside the span.
func (s Span) Contains(d time.Time) bool {
	return !d.Before(s.Start) && !d.After(s.End)
}

// String formats the span as "start..end".
func (s Span) String() string {
	return s.Start.Format(DateLayout) + ".." + s.End.Format(DateLayout)
}

// NexusWindow is the set of measurement periods a lookback rule yields for
// one evaluation date. A threshold is met when any single period meets it.
type NexusWindow struct {
	Rule    LookbackRule `json:"rule"`
	AsOf    time.Time    `json:"asOf"`
	Periods []Span       `json:"periods"`
}

// Start returns the earliest date covered by the window.
func (w NexusWindow) Start() time.Time {
	var start time.Time
	for i, p := range w.Periods {
		if i == 0 || p.Start.Before(start) {
			start = p.Start
		}
	}
	return start
}

// End returns the latest date covered by the window.
func (w NexusWindow) End() time.Time {
	var end time.Time
	for i, p := range w.Periods {
		if i == 0 || p.End.After(end) {
			end = p.End
		}
	}
	return end
}
