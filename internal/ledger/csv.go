package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Canonical column names.
const (
	colDate             = "date"
	colState            = "state"
	colAmount           = "amount"
	colMarketplace      = "marketplace"
	colUnits            = "unit_count"
	colMarketplaceSales = "marketplace_sales"
)

// columnAliases maps accepted header spellings to canonical columns.
var columnAliases = map[string]string{
	"date":                colDate,
	"transaction_date":    colDate,
	"order_date":          colDate,
	"state":               colState,
	"state_code":          colState,
	"ship_to_state":       colState,
	"amount":              colAmount,
	"gross_sales":         colAmount,
	"sales":               colAmount,
	"total":               colAmount,
	"marketplace":         colMarketplace,
	"is_marketplace":      colMarketplace,
	"is_marketplace_sale": colMarketplace,
	"unit_count":          colUnits,
	"units":               colUnits,
	"transaction_count":   colUnits,
	"marketplace_sales":   colMarketplaceSales,
}

// ReadFile loads raw records from a .csv or .xlsx ledger.
func ReadFile(path string) ([]domain.RawRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx", ".xlsm":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		defer f.Close()
		return ReadXLSX(f)
	default:
		return nil, fmt.Errorf("unsupported ledger format %q", filepath.Ext(path))
	}
}

// ReadCSV reads a header-driven CSV ledger.
func ReadCSV(r io.Reader) ([]domain.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.NoDataError{}
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rows [][]string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, rec)
	}

	return fromRows(header, rows)
}

// fromRows maps tabular rows to raw records using the header. Row numbers
// are spreadsheet style: the header is row 1.
//
// A ledger with a marketplace_sales column uses the daily summary layout:
// each row carries direct sales in amount and marketplace sales alongside,
// and becomes one direct record plus one marketplace record.
func fromRows(header []string, rows [][]string) ([]domain.RawRecord, error) {
	index := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = strings.ReplaceAll(name, " ", "_")
		if canon, ok := columnAliases[name]; ok {
			if _, dup := index[canon]; !dup {
				index[canon] = i
			}
		}
	}

	var missing []string
	for _, col := range []string{colDate, colState, colAmount} {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, domain.ValidationErrors{{
			Row:    1,
			Field:  "header",
			Value:  strings.Join(header, ","),
			Reason: "missing required columns: " + strings.Join(missing, ", "),
		}}
	}

	cell := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	_, summaryLayout := index[colMarketplaceSales]

	records := make([]domain.RawRecord, 0, len(rows))
	for i, row := range rows {
		if blank(row) {
			continue
		}
		rowNum := i + 2
		rec := domain.RawRecord{
			Row:         rowNum,
			Date:        cell(row, colDate),
			State:       cell(row, colState),
			Amount:      cell(row, colAmount),
			Marketplace: cell(row, colMarketplace),
			UnitCount:   cell(row, colUnits),
		}
		records = append(records, rec)

		if !summaryLayout {
			continue
		}
		mp := cell(row, colMarketplaceSales)
		if mp == "" {
			continue
		}
		if amt, err := ParseAmount(mp); err == nil && amt.IsZero() {
			continue
		}
		records = append(records, domain.RawRecord{
			Row:         rowNum,
			Date:        rec.Date,
			State:       rec.State,
			Amount:      mp,
			Marketplace: "true",
			UnitCount:   "0",
		})
	}
	return records, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
