package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric names the threshold that triggered a crossing.
type Metric string

const (
	MetricSales        Metric = "sales"
	MetricTransactions Metric = "transactions"
)

// CrossingResult is the nexus determination for one state.
type CrossingResult struct {
	StateCode        string     `json:"stateCode"`
	Crossed          bool       `json:"crossed"`
	CrossingDate     *time.Time `json:"crossingDate,omitempty"`
	TriggeringMetric Metric     `json:"triggeringMetric,omitempty"`

	// Totals inside the triggering period at the crossing date.
	CumulativeSales        decimal.Decimal `json:"cumulativeSales"`
	CumulativeTransactions int64           `json:"cumulativeTransactions"`

	LookbackRule LookbackRule `json:"lookbackRule"`
	Window       *Span        `json:"window,omitempty"`
}

// VDAOutcome estimates voluntary disclosure exposure for a crossed state.
// Penalty and interest are placeholder-rate approximations.
type VDAOutcome struct {
	StateCode      string    `json:"stateCode"`
	CrossingDate   time.Time `json:"crossingDate"`
	LookbackStart  time.Time `json:"lookbackStartDate"`
	LookbackCapped bool      `json:"lookbackCapped"`

	SalesInLookback   decimal.Decimal `json:"salesInLookback"`
	EstimatedPenalty  decimal.Decimal `json:"estimatedPenalty"`
	EstimatedInterest decimal.Decimal `json:"estimatedInterest"`

	Placeholder bool   `json:"placeholder"`
	Basis       string `json:"basis"`
}

// Warning reports a state that was not evaluated.
type Warning struct {
	StateCode string `json:"stateCode"`
	Message   string `json:"message"`
}

// DataQuality summarizes the health of a normalized ledger.
type DataQuality struct {
	TotalRows    int        `json:"totalRows"`
	Accepted     int        `json:"accepted"`
	Rejected     int        `json:"rejected"`
	FirstDate    *time.Time `json:"firstDate,omitempty"`
	LastDate     *time.Time `json:"lastDate,omitempty"`
	States       []string   `json:"states"`
	NegativeRows int        `json:"negativeRows"`
	MissingDates int        `json:"missingDates"`
	Score        float64    `json:"score"`
}

// Summary aggregates a run for reporting.
type Summary struct {
	StatesAnalyzed   int             `json:"statesAnalyzed"`
	StatesWithNexus  int             `json:"statesWithNexus"`
	StatesSkipped    int             `json:"statesSkipped"`
	EarliestCrossing *time.Time      `json:"earliestCrossing,omitempty"`
	EarliestState    string          `json:"earliestState,omitempty"`
	TotalPenalty     decimal.Decimal `json:"totalEstimatedPenalty"`
	TotalInterest    decimal.Decimal `json:"totalEstimatedInterest"`
}

// Analysis is one complete evaluation run.
type Analysis struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	CreatedAt time.Time `json:"createdAt"`
	AsOf      time.Time `json:"asOf,omitzero"`

	Results  []CrossingResult  `json:"results"`
	VDA      []VDAOutcome      `json:"vda,omitempty"`
	Warnings []Warning         `json:"warnings,omitempty"`
	Rejected []ValidationError `json:"rejected,omitempty"`

	Quality DataQuality `json:"quality"`
	Summary Summary     `json:"summary"`

	DurationMs int64  `json:"durationMs"`
	Version    string `json:"engineVersion,omitempty"`
}

// Result returns the crossing result for a state, if present.
func (a *Analysis) Result(state string) (CrossingResult, bool) {
	for _, r := range a.Results {
		if r.StateCode == state {
			return r, true
		}
	}
	return CrossingResult{}, false
}
