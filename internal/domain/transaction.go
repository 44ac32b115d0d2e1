package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical calendar date format.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a calendar date in UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a canonical YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Transaction is one normalized sales record.
type Transaction struct {
	Date              time.Time       `json:"date"`
	StateCode         string          `json:"stateCode"`
	Amount            decimal.Decimal `json:"amount"` // negative for returns
	IsMarketplaceSale bool            `json:"isMarketplaceSale"`
	UnitCount         int64           `json:"unitCount"`

	// Row is the 1-based source row, kept for traceability in reports.
	Row int `json:"row,omitempty"`
}

// IsReturn reports whether the transaction is a return or refund.
func (t Transaction) IsReturn() bool {
	return t.Amount.IsNegative()
}

// RawRecord is an unvalidated ledger row as read from CSV, XLSX or JSON.
type RawRecord struct {
	Row         int    `json:"row,omitempty"`
	Date        string `json:"date"`
	State       string `json:"state"`
	Amount      string `json:"amount"`
	Marketplace string `json:"marketplace,omitempty"`
	UnitCount   string `json:"unitCount,omitempty"`
}

// GroupByState splits an ordered transaction sequence by state, keeping order.
func GroupByState(txs []Transaction) map[string][]Transaction {
	grouped := make(map[string][]Transaction)
	for _, tx := range txs {
		grouped[tx.StateCode] = append(grouped[tx.StateCode], tx)
	}
	return grouped
}
