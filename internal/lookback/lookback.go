// Package lookback computes the measurement periods each state's lookback
// rule yields for an evaluation date.
//
// The set of rules is closed. Each rule has exactly one handler, selected
// by an exhaustive switch; an unrecognized rule is an error, never a
// fallback to some other rule's math.
package lookback

import (
	"sort"
	"time"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// handler returns the periods measured on asOf. fiscal is the first month
// of the state's fiscal year.
type handler func(asOf time.Time, fiscal time.Month) []domain.Span

func handlerFor(rule domain.LookbackRule) (handler, bool) {
	switch rule {
	case domain.LookbackRolling12M:
		return rolling12M, true
	case domain.LookbackCalendarPrevCurr:
		return calendarPrevCurr, true
	case domain.LookbackCalendarPrev:
		return calendarPrev, true
	case domain.LookbackRolling4Q:
		return rolling4Q, true
	case domain.LookbackAccountingYear:
		return accountingYear, true
	}
	return nil, false
}

// Supported reports whether rule has a handler.
func Supported(rule domain.LookbackRule) bool {
	_, ok := handlerFor(rule)
	return ok
}

// WindowFor returns the window a state's rule measures on asOf.
func WindowFor(rule domain.StateRule, asOf time.Time) (domain.NexusWindow, error) {
	h, ok := handlerFor(rule.LookbackRule)
	if !ok {
		return domain.NexusWindow{}, &domain.UnsupportedRuleError{StateCode: rule.StateCode, Rule: rule.LookbackRule}
	}
	asOf = domain.Day(asOf)
	return domain.NexusWindow{
		Rule:    rule.LookbackRule,
		AsOf:    asOf,
		Periods: h(asOf, rule.FiscalStart()),
	}, nil
}

// Checkpoints returns the ascending, distinct dates on which a state must be
// evaluated given its transaction dates.
//
// Transaction dates are always checkpoints. Rules that measure only
// completed periods also get the first day after each period a transaction
// lands in, which is the day a threshold met in that period takes effect.
func Checkpoints(rule domain.StateRule, dates []time.Time) ([]time.Time, error) {
	if _, ok := handlerFor(rule.LookbackRule); !ok {
		return nil, &domain.UnsupportedRuleError{StateCode: rule.StateCode, Rule: rule.LookbackRule}
	}

	seen := make(map[time.Time]bool, len(dates))
	out := make([]time.Time, 0, len(dates))
	add := func(d time.Time) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}

	fiscal := rule.FiscalStart()
	for _, d := range dates {
		d = domain.Day(d)
		add(d)

		switch rule.LookbackRule {
		case domain.LookbackCalendarPrev:
			add(domain.Date(d.Year()+1, time.January, 1))
		case domain.LookbackRolling4Q:
			// A quarter stays in the window for the four quarters after it.
			q := QuarterStart(d, fiscal)
			for i := 1; i <= 4; i++ {
				add(q.AddDate(0, 3*i, 0))
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// QuarterStart returns the first day of the fiscal quarter containing d,
// with quarters aligned to fiscal.
func QuarterStart(d time.Time, fiscal time.Month) time.Time {
	offset := (int(d.Month()) - int(fiscal) + 12) % 12
	return domain.Date(d.Year(), d.Month()-time.Month(offset%3), 1)
}

// FiscalYearStart returns the first day of the fiscal year containing d.
func FiscalYearStart(d time.Time, fiscal time.Month) time.Time {
	if d.Month() >= fiscal {
		return domain.Date(d.Year(), fiscal, 1)
	}
	return domain.Date(d.Year()-1, fiscal, 1)
}

func rolling12M(asOf time.Time, _ time.Month) []domain.Span {
	return []domain.Span{{Start: asOf.AddDate(0, 0, -364), End: asOf}}
}

func calendarPrevCurr(asOf time.Time, _ time.Month) []domain.Span {
	y := asOf.Year()
	return []domain.Span{
		{Start: domain.Date(y-1, time.January, 1), End: domain.Date(y-1, time.December, 31)},
		{Start: domain.Date(y, time.January, 1), End: asOf},
	}
}

func calendarPrev(asOf time.Time, _ time.Month) []domain.Span {
	y := asOf.Year()
	return []domain.Span{
		{Start: domain.Date(y-1, time.January, 1), End: domain.Date(y-1, time.December, 31)},
	}
}

func rolling4Q(asOf time.Time, fiscal time.Month) []domain.Span {
	q := QuarterStart(asOf, fiscal)
	return []domain.Span{{Start: q.AddDate(-1, 0, 0), End: q.AddDate(0, 0, -1)}}
}

func accountingYear(asOf time.Time, fiscal time.Month) []domain.Span {
	fy := FiscalYearStart(asOf, fiscal)
	return []domain.Span{
		{Start: fy.AddDate(-1, 0, 0), End: fy.AddDate(0, 0, -1)},
		{Start: fy, End: asOf},
	}
}
