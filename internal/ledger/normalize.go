// Package ledger turns raw sales records into the canonical, date-ordered
// transaction sequence the nexus engine consumes.
//
// Normalization never stops at the first bad row. Every rejected row is
// reported with the reason, and the batch only fails outright when no row
// survives or the input exceeds the configured size limit.
package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// DefaultMaxTransactions bounds a single batch when Options leaves it unset.
const DefaultMaxTransactions = 1_000_000

// dateLayouts are tried in order. US month-first layouts come before
// day-first ones since ledgers exported by US tools dominate.
var dateLayouts = []string{
	domain.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-06",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2-Jan-06",
}

// Options tunes normalization.
type Options struct {
	// MaxTransactions rejects batches with more records. Zero uses the default.
	MaxTransactions int
}

// Batch is the result of normalizing one ledger.
type Batch struct {
	Transactions []domain.Transaction
	Rejected     domain.ValidationErrors
	Quality      domain.DataQuality
}

// Normalize validates raw records and returns the surviving transactions
// sorted ascending by date. Ties keep input order.
//
// Returns *domain.NoDataError when no record is valid, and
// domain.ValidationErrors when the batch exceeds Options.MaxTransactions.
func Normalize(records []domain.RawRecord, opts Options) (*Batch, error) {
	limit := opts.MaxTransactions
	if limit <= 0 {
		limit = DefaultMaxTransactions
	}
	if len(records) > limit {
		return nil, domain.ValidationErrors{{
			Field:  "rows",
			Value:  strconv.Itoa(len(records)),
			Reason: fmt.Sprintf("batch exceeds the limit of %d records", limit),
		}}
	}

	batch := &Batch{
		Transactions: make([]domain.Transaction, 0, len(records)),
	}

	missingDates := 0
	for i, rec := range records {
		row := rec.Row
		if row == 0 {
			row = i + 1
		}
		if strings.TrimSpace(rec.Date) == "" {
			missingDates++
		}

		tx, errs := normalizeRecord(row, rec)
		if len(errs) > 0 {
			batch.Rejected = append(batch.Rejected, errs...)
			continue
		}
		batch.Transactions = append(batch.Transactions, tx)
	}

	sort.SliceStable(batch.Transactions, func(i, j int) bool {
		return batch.Transactions[i].Date.Before(batch.Transactions[j].Date)
	})

	batch.Quality = Assess(len(records), batch.Transactions, missingDates)

	if len(batch.Transactions) == 0 {
		return batch, &domain.NoDataError{Rejected: len(records)}
	}
	return batch, nil
}

// normalizeRecord validates every field of one record, reporting each
// problem rather than the first.
func normalizeRecord(row int, rec domain.RawRecord) (domain.Transaction, []domain.ValidationError) {
	var errs []domain.ValidationError
	reject := func(field, value, reason string) {
		errs = append(errs, domain.ValidationError{Row: row, Field: field, Value: value, Reason: reason})
	}

	tx := domain.Transaction{Row: row}

	if d, err := ParseDate(rec.Date); err != nil {
		reject("date", rec.Date, err.Error())
	} else {
		tx.Date = d
	}

	if code, err := ParseState(rec.State); err != nil {
		reject("state", rec.State, err.Error())
	} else {
		tx.StateCode = code
	}

	if amt, err := ParseAmount(rec.Amount); err != nil {
		reject("amount", rec.Amount, err.Error())
	} else {
		tx.Amount = amt
	}

	if mp, err := ParseFlag(rec.Marketplace); err != nil {
		reject("marketplace", rec.Marketplace, err.Error())
	} else {
		tx.IsMarketplaceSale = mp
	}

	if n, err := ParseUnits(rec.UnitCount); err != nil {
		reject("unit_count", rec.UnitCount, err.Error())
	} else {
		tx.UnitCount = n
	}

	return tx, errs
}

// ParseDate accepts the date layouts common in ledger exports and returns
// the calendar date at UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return domain.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format")
}

// ParseState upper-cases and trims a state code and checks it is two letters.
func ParseState(s string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if code == "" {
		return "", fmt.Errorf("missing")
	}
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "", fmt.Errorf("state code must be two letters")
	}
	return code, nil
}

// ParseAmount parses a signed money amount. Currency symbols, thousands
// separators and accounting-style parentheses are accepted.
func ParseAmount(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return decimal.Zero, fmt.Errorf("missing")
	}

	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = v[1 : len(v)-1]
	}
	v = strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)

	amt, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number")
	}
	if negative {
		amt = amt.Neg()
	}
	return amt, nil
}

// ParseFlag parses a marketplace flag. Blank means a direct sale.
func ParseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "f", "no", "n", "direct":
		return false, nil
	case "1", "true", "t", "yes", "y", "marketplace":
		return true, nil
	default:
		return false, fmt.Errorf("not a boolean")
	}
}

// ParseUnits parses a transaction count. Blank means one order.
func ParseUnits(s string) (int64, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Spreadsheets often render integral counts as "3.0".
		d, derr := decimal.NewFromString(v)
		if derr != nil || !d.IsInteger() {
			return 0, fmt.Errorf("not a whole number")
		}
		n = d.IntPart()
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
