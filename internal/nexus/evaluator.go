// Package nexus determines, per state, the first date a seller's sales or
// transaction count crossed the state's economic nexus threshold.
package nexus

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/lookback"
	"github.com/markmiedema/nexus-analyzer/internal/rules"
)

// Options bound a single evaluation.
type Options struct {
	// AsOf stops evaluation after this date. Zero evaluates every checkpoint.
	AsOf time.Time
}

// ledger holds one state's eligible transactions with prefix sums, so the
// totals of any date range cost two binary searches.
type ledger struct {
	dates []time.Time
	sales []decimal.Decimal // sales[i] = sum of amounts before index i
	units []int64
}

func newLedger(txs []domain.Transaction) *ledger {
	l := &ledger{
		dates: make([]time.Time, len(txs)),
		sales: make([]decimal.Decimal, len(txs)+1),
		units: make([]int64, len(txs)+1),
	}
	for i, tx := range txs {
		l.dates[i] = tx.Date
		l.sales[i+1] = l.sales[i].Add(tx.Amount)
		l.units[i+1] = l.units[i]
		// Returns reduce sales but never count as orders.
		if !tx.Amount.IsNegative() {
			l.units[i+1] += tx.UnitCount
		}
	}
	return l
}

// totals sums amounts and units dated inside span.
func (l *ledger) totals(span domain.Span) (decimal.Decimal, int64) {
	lo := sort.Search(len(l.dates), func(i int) bool { return !l.dates[i].Before(span.Start) })
	hi := sort.Search(len(l.dates), func(i int) bool { return l.dates[i].After(span.End) })
	if hi <= lo {
		return decimal.Zero, 0
	}
	return l.sales[hi].Sub(l.sales[lo]), l.units[hi] - l.units[lo]
}

// measurement is one period's totals at one checkpoint.
type measurement struct {
	period   domain.Span
	sales    decimal.Decimal
	units    int64
	salesMet bool
	unitsMet bool
	crossed  bool
}

// Evaluate walks a state's checkpoints in ascending order and returns the
// first one on which any measured period meets the threshold. Transactions
// are expected to belong to rule's state.
//
// Only transactions dated on or after the rule's effective date count, and
// marketplace sales count only when the rule includes them. Returns net
// against sales inside a period. Evaluation stops at the first crossing, so
// later returns never undo it.
//
// Returns *domain.UnsupportedRuleError when the rule has no window handler.
func Evaluate(rule domain.StateRule, trigger *rules.Trigger, txs []domain.Transaction, opts Options) (domain.CrossingResult, error) {
	result := domain.CrossingResult{
		StateCode:       rule.StateCode,
		LookbackRule:    rule.LookbackRule,
		CumulativeSales: decimal.Zero,
	}
	if !lookback.Supported(rule.LookbackRule) {
		return result, &domain.UnsupportedRuleError{StateCode: rule.StateCode, Rule: rule.LookbackRule}
	}

	eligible := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if rule.Counts(tx) {
			eligible = append(eligible, tx)
		}
	}
	if len(eligible) == 0 {
		return result, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].Date.Before(eligible[j].Date) })

	l := newLedger(eligible)
	checkpoints, err := lookback.Checkpoints(rule, l.dates)
	if err != nil {
		return result, err
	}

	var peak *measurement
	for _, cp := range checkpoints {
		if !opts.AsOf.IsZero() && cp.After(opts.AsOf) {
			break
		}

		window, err := lookback.WindowFor(rule, cp)
		if err != nil {
			return result, err
		}

		m, err := measure(rule, trigger, l, window)
		if err != nil {
			return result, err
		}

		if m.crossed {
			date := cp
			period := m.period
			result.Crossed = true
			result.CrossingDate = &date
			result.TriggeringMetric = domain.MetricTransactions
			if m.salesMet {
				result.TriggeringMetric = domain.MetricSales
			}
			result.CumulativeSales = m.sales
			result.CumulativeTransactions = m.units
			result.Window = &period
			return result, nil
		}

		if peak == nil || m.sales.GreaterThan(peak.sales) {
			peak = &m
		}
	}

	// Not crossed: report the closest approach by sales.
	if peak != nil {
		period := peak.period
		result.CumulativeSales = peak.sales
		result.CumulativeTransactions = peak.units
		result.Window = &period
	}
	return result, nil
}

// measure tests every period of a window. A crossing period where the sales
// threshold is met wins over one met on transactions alone; among equals
// the earlier period wins. When nothing crosses, the period with the
// highest sales is returned.
func measure(rule domain.StateRule, trigger *rules.Trigger, l *ledger, window domain.NexusWindow) (measurement, error) {
	var best measurement
	for i, period := range window.Periods {
		sales, units := l.totals(period)
		m := measurement{
			period:   period,
			sales:    sales,
			units:    units,
			salesMet: rule.HasSalesThreshold() && sales.GreaterThanOrEqual(*rule.SalesThreshold),
			unitsMet: rule.HasTransactionThreshold() && units >= *rule.TransactionThreshold,
		}

		if trigger != nil {
			ok, err := trigger.Crossed(rules.Input{
				State:                rule.StateCode,
				Sales:                sales,
				Transactions:         units,
				SalesThreshold:       rule.SalesThreshold,
				TransactionThreshold: rule.TransactionThreshold,
			})
			if err != nil {
				return measurement{}, fmt.Errorf("%s: trigger: %w", rule.StateCode, err)
			}
			m.crossed = ok
		} else {
			m.crossed = m.salesMet || m.unitsMet
		}

		if i == 0 || better(m, best) {
			best = m
		}
	}
	return best, nil
}

// better reports whether a ranks strictly above b.
func better(a, b measurement) bool {
	if a.crossed != b.crossed {
		return a.crossed
	}
	if a.crossed {
		return a.salesMet && !b.salesMet
	}
	return a.sales.GreaterThan(b.sales)
}
