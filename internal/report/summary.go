// Package report summarizes an analysis run and renders it for people and
// downstream tools.
package report

import (
	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Summarize aggregates results and VDA estimates into a run summary.
// skipped counts states present in the ledger without a configured rule.
func Summarize(results []domain.CrossingResult, outcomes []domain.VDAOutcome, warnings []domain.Warning, skipped int) domain.Summary {
	s := domain.Summary{
		StatesAnalyzed: len(results),
		StatesSkipped:  skipped + len(warnings),
		TotalPenalty:   decimal.Zero,
		TotalInterest:  decimal.Zero,
	}

	for _, r := range results {
		if !r.Crossed || r.CrossingDate == nil {
			continue
		}
		s.StatesWithNexus++

		// Results are sorted by state, so ties keep the first state.
		if s.EarliestCrossing == nil || r.CrossingDate.Before(*s.EarliestCrossing) {
			d := *r.CrossingDate
			s.EarliestCrossing = &d
			s.EarliestState = r.StateCode
		}
	}

	for _, o := range outcomes {
		s.TotalPenalty = s.TotalPenalty.Add(o.EstimatedPenalty)
		s.TotalInterest = s.TotalInterest.Add(o.EstimatedInterest)
	}

	return s
}

// vdaByState indexes outcomes for row rendering.
func vdaByState(outcomes []domain.VDAOutcome) map[string]domain.VDAOutcome {
	m := make(map[string]domain.VDAOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.StateCode] = o
	}
	return m
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func dateOrDash(a *domain.CrossingResult) string {
	if a.CrossingDate == nil {
		return "-"
	}
	return a.CrossingDate.Format(domain.DateLayout)
}
