// Package vda estimates voluntary disclosure exposure for states where a
// seller has crossed the nexus threshold.
//
// Estimates apply each state's flat placeholder rates to the net sales in
// the disclosure period. They are flagged as placeholders on every outcome.
package vda

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// monthsPerQuarter converts the quarter-denominated lookback cap.
const monthsPerQuarter = 3

// Compute returns the VDA outcome for a crossed state, or nil when the
// state has not crossed. txs are the state's transactions; eligibility
// follows the same effective-date and marketplace rules as evaluation.
//
// The lookback starts cap quarters before the crossing date when the rule
// has a cap. Without one it starts at the rule's effective date, or at the
// first eligible sale when the rule is always effective. It runs through
// the state's last transaction date.
func Compute(rule domain.StateRule, result domain.CrossingResult, txs []domain.Transaction) *domain.VDAOutcome {
	if !result.Crossed || result.CrossingDate == nil {
		return nil
	}
	crossing := *result.CrossingDate

	var (
		first, last time.Time
		eligible    []domain.Transaction
	)
	for _, tx := range txs {
		if last.IsZero() || tx.Date.After(last) {
			last = tx.Date
		}
		if !rule.Counts(tx) {
			continue
		}
		if first.IsZero() || tx.Date.Before(first) {
			first = tx.Date
		}
		eligible = append(eligible, tx)
	}
	if last.Before(crossing) {
		last = crossing
	}

	out := &domain.VDAOutcome{
		StateCode:    rule.StateCode,
		CrossingDate: crossing,
		Placeholder:  true,
	}

	switch {
	case rule.VDALookbackCap != nil:
		out.LookbackStart = monthsBefore(crossing, monthsPerQuarter*(*rule.VDALookbackCap))
		out.LookbackCapped = true
	case !rule.EffectiveDate.IsZero():
		out.LookbackStart = rule.EffectiveDate
	case !first.IsZero():
		out.LookbackStart = first
	default:
		out.LookbackStart = crossing
	}

	period := domain.Span{Start: out.LookbackStart, End: last}
	sales := decimal.Zero
	for _, tx := range eligible {
		if period.Contains(tx.Date) {
			sales = sales.Add(tx.Amount)
		}
	}
	out.SalesInLookback = sales

	// Net refunds never produce a negative liability.
	base := decimal.Max(sales, decimal.Zero)
	out.EstimatedPenalty = base.Mul(rule.StandardPenaltyRate).Round(2)
	out.EstimatedInterest = base.Mul(rule.InterestRate).Round(2)

	out.Basis = fmt.Sprintf("placeholder: flat %s%% penalty and %s%% interest on net sales %s",
		rule.StandardPenaltyRate.Shift(2).String(),
		rule.InterestRate.Shift(2).String(),
		period,
	)
	return out
}

// ComputeAll computes outcomes for every crossed result that has a rule,
// in result order.
func ComputeAll(lookup func(state string) (domain.StateRule, bool), results []domain.CrossingResult, byState map[string][]domain.Transaction) []domain.VDAOutcome {
	var out []domain.VDAOutcome
	for _, res := range results {
		rule, ok := lookup(res.StateCode)
		if !ok {
			continue
		}
		if o := Compute(rule, res, byState[res.StateCode]); o != nil {
			out = append(out, *o)
		}
	}
	return out
}

// monthsBefore steps back n calendar months, clamping the day to the end of
// the target month so May 31 minus three months is Feb 28 or 29, not Mar 2.
func monthsBefore(d time.Time, n int) time.Time {
	first := domain.Date(d.Year(), d.Month(), 1).AddDate(0, -n, 0)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := d.Day()
	if day > lastDay {
		day = lastDay
	}
	return domain.Date(first.Year(), first.Month(), day)
}
