package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
)

// Workbook sheet names.
const (
	SheetSummary = "Nexus Summary"
	SheetDetails = "State Details"
	SheetVDA     = "VDA Estimates"
	SheetSource  = "Source Data"
)

// MaxSourceRows caps the source data sheet.
const MaxSourceRows = 1000

// WriteXLSX writes the analysis as an Excel workbook. When txs is non-empty
// the ledger's per-state totals are added to the details sheet and the
// first MaxSourceRows transactions are copied to a source data sheet.
func WriteXLSX(w io.Writer, a *domain.Analysis, txs []domain.Transaction) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		return fmt.Errorf("failed to name summary sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"D9E1F2"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	sw := sheetWriter{f: f, header: header}

	s := a.Summary
	earliest := "-"
	if s.EarliestCrossing != nil {
		earliest = fmt.Sprintf("%s (%s)", s.EarliestCrossing.Format(domain.DateLayout), s.EarliestState)
	}
	sw.rows(SheetSummary, []string{"Metric", "Value"}, [][]any{
		{"Analysis ID", a.ID},
		{"Client", a.ClientID},
		{"Created", a.CreatedAt.Format("2006-01-02 15:04:05")},
		{"States analyzed", s.StatesAnalyzed},
		{"States with nexus", s.StatesWithNexus},
		{"States skipped", s.StatesSkipped},
		{"Earliest crossing", earliest},
		{"Estimated penalty (placeholder)", s.TotalPenalty.InexactFloat64()},
		{"Estimated interest (placeholder)", s.TotalInterest.InexactFloat64()},
		{"Rows accepted", a.Quality.Accepted},
		{"Rows rejected", a.Quality.Rejected},
		{"Data quality score", a.Quality.Score},
	})

	stats := make(map[string]ledger.StateStats)
	for _, st := range ledger.Stats(txs) {
		stats[st.StateCode] = st
	}

	details := make([][]any, 0, len(a.Results))
	for i := range a.Results {
		r := &a.Results[i]
		row := []any{r.StateCode, r.Crossed, dateOrDash(r), string(r.TriggeringMetric),
			r.CumulativeSales.InexactFloat64(), r.CumulativeTransactions, string(r.LookbackRule)}
		if st, ok := stats[r.StateCode]; ok {
			row = append(row, st.GrossSales.InexactFloat64(), st.MarketplaceSales.InexactFloat64(), st.Rows,
				st.FirstDate.Format(domain.DateLayout), st.LastDate.Format(domain.DateLayout))
		}
		details = append(details, row)
	}
	if err := sw.sheet(SheetDetails, []string{
		"State", "Nexus", "Crossing Date", "Metric", "Window Sales", "Window Transactions", "Lookback Rule",
		"Total Sales", "Marketplace Sales", "Rows", "First Sale", "Last Sale",
	}, details); err != nil {
		return err
	}

	vdaRows := make([][]any, 0, len(a.VDA))
	for _, o := range a.VDA {
		vdaRows = append(vdaRows, []any{
			o.StateCode, o.CrossingDate.Format(domain.DateLayout), o.LookbackStart.Format(domain.DateLayout),
			o.LookbackCapped, o.SalesInLookback.InexactFloat64(), o.EstimatedPenalty.InexactFloat64(),
			o.EstimatedInterest.InexactFloat64(), o.Basis,
		})
	}
	if err := sw.sheet(SheetVDA, []string{
		"State", "Crossing Date", "Lookback Start", "Capped", "Sales In Lookback",
		"Est. Penalty", "Est. Interest", "Basis",
	}, vdaRows); err != nil {
		return err
	}

	if len(txs) > 0 {
		n := min(len(txs), MaxSourceRows)
		src := make([][]any, 0, n)
		for _, tx := range txs[:n] {
			src = append(src, []any{tx.Date.Format(domain.DateLayout), tx.StateCode, tx.Amount.InexactFloat64(), tx.IsMarketplaceSale, tx.UnitCount})
		}
		if err := sw.sheet(SheetSource, []string{"date", "state", "amount", "marketplace", "unit_count"}, src); err != nil {
			return err
		}
	}

	if sw.err != nil {
		return sw.err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// sheetWriter fills sheets, keeping the first error.
type sheetWriter struct {
	f      *excelize.File
	header int
	err    error
}

func (s *sheetWriter) sheet(name string, header []string, rows [][]any) error {
	if s.err != nil {
		return s.err
	}
	if _, err := s.f.NewSheet(name); err != nil {
		s.err = fmt.Errorf("failed to create sheet %q: %w", name, err)
		return s.err
	}
	s.rows(name, header, rows)
	return s.err
}

func (s *sheetWriter) rows(name string, header []string, rows [][]any) {
	if s.err != nil {
		return
	}

	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := s.f.SetSheetRow(name, "A1", &hdr); err != nil {
		s.err = fmt.Errorf("failed to write %q header: %w", name, err)
		return
	}
	last, _ := excelize.CoordinatesToCellName(len(header), 1)
	if err := s.f.SetCellStyle(name, "A1", last, s.header); err != nil {
		s.err = fmt.Errorf("failed to style %q header: %w", name, err)
		return
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := s.f.SetSheetRow(name, cell, &row); err != nil {
			s.err = fmt.Errorf("failed to write %q row %d: %w", name, i+2, err)
			return
		}
	}
}
