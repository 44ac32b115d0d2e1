package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LookbackRule identifies how a state measures sales against its threshold.
type LookbackRule string

const (
	// LookbackRolling12M sums the 365 days ending on the evaluation date.
	LookbackRolling12M LookbackRule = "rolling_12m"

	// LookbackCalendarPrevCurr tests the prior calendar year or the current
	// calendar year to date.
	LookbackCalendarPrevCurr LookbackRule = "calendar_prev_curr"

	// LookbackCalendarPrev tests the prior calendar year only.
	LookbackCalendarPrev LookbackRule = "calendar_prev"

	// LookbackRolling4Q tests the four most recently completed quarters.
	LookbackRolling4Q LookbackRule = "rolling_4q"

	// LookbackAccountingYear tests the prior or current fiscal (accounting)
	// year, Puerto Rico style.
	LookbackAccountingYear LookbackRule = "accounting_year"
)

// LookbackRules lists every supported lookback rule.
func LookbackRules() []LookbackRule {
	return []LookbackRule{
		LookbackRolling12M,
		LookbackCalendarPrevCurr,
		LookbackCalendarPrev,
		LookbackRolling4Q,
		LookbackAccountingYear,
	}
}

// Valid reports whether r is one of the supported lookback rules.
func (r LookbackRule) Valid() bool {
	for _, known := range LookbackRules() {
		if r == known {
			return true
		}
	}
	return false
}

// DefaultPenaltyRate is applied when a rule omits standard_penalty_rate.
var DefaultPenaltyRate = decimal.RequireFromString("0.10")

// StateRule is the economic nexus configuration for one state.
// Rules are loaded once and shared read-only across an evaluation run.
type StateRule struct {
	StateCode string `json:"stateCode"`

	// At least one threshold is set.
	SalesThreshold       *decimal.Decimal `json:"salesThreshold,omitempty"`
	TransactionThreshold *int64           `json:"transactionThreshold,omitempty"`

	LookbackRule                  LookbackRule `json:"lookbackRule"`
	MarketplaceThresholdInclusion bool         `json:"marketplaceThresholdInclusion"`

	// Fiscal alignment for rolling_4q and accounting_year.
	FiscalYearStartMonth time.Month `json:"fiscalYearStartMonth,omitempty"`

	TaxRate             decimal.Decimal `json:"taxRate"`
	StandardPenaltyRate decimal.Decimal `json:"standardPenaltyRate"`
	InterestRate        decimal.Decimal `json:"interestRate"`

	// VDA parameters. Only the cap drives calculations today.
	VDALookbackCap   *int    `json:"vdaLookbackCap,omitempty"` // quarters
	VDAPenaltyWaived *bool   `json:"vdaPenaltyWaived,omitempty"`
	VDAInterestRule  *string `json:"vdaInterestRule,omitempty"`

	// EffectiveDate is the first day the rule applies. Zero means always.
	EffectiveDate time.Time `json:"effectiveDate,omitzero"`

	// TriggerExpression optionally replaces the default either/or threshold
	// test with a CEL boolean expression.
	TriggerExpression string `json:"triggerExpression,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// HasSalesThreshold reports whether a sales threshold is configured.
func (r StateRule) HasSalesThreshold() bool {
	return r.SalesThreshold != nil
}

// HasTransactionThreshold reports whether a transaction threshold is configured.
func (r StateRule) HasTransactionThreshold() bool {
	return r.TransactionThreshold != nil
}

// Applies reports whether a transaction dated d counts under this rule.
func (r StateRule) Applies(d time.Time) bool {
	return r.EffectiveDate.IsZero() || !d.Before(r.EffectiveDate)
}

// FiscalStart returns the month fiscal quarters and years begin in.
// Accounting years default to July, everything else to January.
func (r StateRule) FiscalStart() time.Month {
	if r.FiscalYearStartMonth != 0 {
		return r.FiscalYearStartMonth
	}
	if r.LookbackRule == LookbackAccountingYear {
		return time.July
	}
	return time.January
}

// Counts reports whether tx contributes to this state's threshold totals.
func (r StateRule) Counts(tx Transaction) bool {
	if tx.IsMarketplaceSale && !r.MarketplaceThresholdInclusion {
		return false
	}
	return r.Applies(tx.Date)
}
