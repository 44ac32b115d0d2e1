package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Score penalties.
const (
	missingDatePenalty   = 20.0
	highReturnPenalty    = 10.0
	highReturnShareLimit = 0.10
)

// Assess builds the data-quality report for a normalized batch. totalRows
// counts every input record, accepted or not.
func Assess(totalRows int, txs []domain.Transaction, missingDates int) domain.DataQuality {
	q := domain.DataQuality{
		TotalRows:    totalRows,
		Accepted:     len(txs),
		Rejected:     totalRows - len(txs),
		MissingDates: missingDates,
		States:       []string{},
		Score:        100,
	}

	seen := make(map[string]bool)
	for i, tx := range txs {
		if tx.IsReturn() {
			q.NegativeRows++
		}
		if !seen[tx.StateCode] {
			seen[tx.StateCode] = true
			q.States = append(q.States, tx.StateCode)
		}
		if i == 0 || tx.Date.Before(*q.FirstDate) {
			d := tx.Date
			q.FirstDate = &d
		}
		if i == 0 || tx.Date.After(*q.LastDate) {
			d := tx.Date
			q.LastDate = &d
		}
	}
	sort.Strings(q.States)

	if missingDates > 0 {
		q.Score -= missingDatePenalty
	}
	if len(txs) > 0 && float64(q.NegativeRows) > float64(len(txs))*highReturnShareLimit {
		q.Score -= highReturnPenalty
	}

	return q
}

// StateStats aggregates one state's slice of the ledger for reporting.
type StateStats struct {
	StateCode        string          `json:"stateCode"`
	Rows             int             `json:"rows"`
	GrossSales       decimal.Decimal `json:"grossSales"`
	DirectSales      decimal.Decimal `json:"directSales"`
	MarketplaceSales decimal.Decimal `json:"marketplaceSales"`
	Returns          decimal.Decimal `json:"returns"`
	Units            int64           `json:"units"`
	FirstDate        time.Time       `json:"firstDate"`
	LastDate         time.Time       `json:"lastDate"`
}

// Stats summarizes transactions per state, sorted by state code.
func Stats(txs []domain.Transaction) []StateStats {
	byState := make(map[string]*StateStats)
	for _, tx := range txs {
		s, ok := byState[tx.StateCode]
		if !ok {
			s = &StateStats{StateCode: tx.StateCode, FirstDate: tx.Date, LastDate: tx.Date}
			byState[tx.StateCode] = s
		}

		s.Rows++
		s.Units += tx.UnitCount
		s.GrossSales = s.GrossSales.Add(tx.Amount)
		if tx.IsMarketplaceSale {
			s.MarketplaceSales = s.MarketplaceSales.Add(tx.Amount)
		} else {
			s.DirectSales = s.DirectSales.Add(tx.Amount)
		}
		if tx.IsReturn() {
			s.Returns = s.Returns.Add(tx.Amount)
		}
		if tx.Date.Before(s.FirstDate) {
			s.FirstDate = tx.Date
		}
		if tx.Date.After(s.LastDate) {
			s.LastDate = tx.Date
		}
	}

	out := make([]StateStats, 0, len(byState))
	for _, s := range byState {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateCode < out[j].StateCode })
	return out
}
