package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// Format names an output rendering.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat parses a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Write renders a in the given format. The xlsx format writes a workbook
// without source data; use WriteXLSX to include it.
func Write(w io.Writer, format Format, a *domain.Analysis) error {
	switch format {
	case FormatTable:
		return WriteTable(w, a)
	case FormatJSON:
		return WriteJSON(w, a)
	case FormatCSV:
		return WriteCSV(w, a)
	case FormatXLSX:
		return WriteXLSX(w, a, nil)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// WriteJSON writes the analysis as indented JSON.
func WriteJSON(w io.Writer, a *domain.Analysis) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}

var csvHeader = []string{
	"state", "crossed", "crossing_date", "triggering_metric", "cumulative_sales",
	"cumulative_transactions", "lookback_rule", "window_start", "window_end",
	"vda_lookback_start", "sales_in_lookback", "estimated_penalty", "estimated_interest",
}

// WriteCSV writes one row per evaluated state.
func WriteCSV(w io.Writer, a *domain.Analysis) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	vda := vdaByState(a.VDA)
	for i := range a.Results {
		r := &a.Results[i]
		row := []string{
			r.StateCode,
			strconv.FormatBool(r.Crossed),
			"", string(r.TriggeringMetric),
			money(r.CumulativeSales),
			strconv.FormatInt(r.CumulativeTransactions, 10),
			string(r.LookbackRule),
			"", "", "", "", "", "",
		}
		if r.CrossingDate != nil {
			row[2] = r.CrossingDate.Format(domain.DateLayout)
		}
		if r.Window != nil {
			row[7] = r.Window.Start.Format(domain.DateLayout)
			row[8] = r.Window.End.Format(domain.DateLayout)
		}
		if o, ok := vda[r.StateCode]; ok {
			row[9] = o.LookbackStart.Format(domain.DateLayout)
			row[10] = money(o.SalesInLookback)
			row[11] = money(o.EstimatedPenalty)
			row[12] = money(o.EstimatedInterest)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteTable writes a human-readable summary and per-state table.
func WriteTable(w io.Writer, a *domain.Analysis) error {
	s := a.Summary
	fmt.Fprintf(w, "Nexus analysis %s", a.ID)
	if a.ClientID != "" {
		fmt.Fprintf(w, " for %s", a.ClientID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "States analyzed: %d  With nexus: %d  Skipped: %d\n", s.StatesAnalyzed, s.StatesWithNexus, s.StatesSkipped)
	if s.EarliestCrossing != nil {
		fmt.Fprintf(w, "Earliest crossing: %s (%s)\n", s.EarliestCrossing.Format(domain.DateLayout), s.EarliestState)
	}
	fmt.Fprintf(w, "Estimated exposure (placeholder rates): penalty %s, interest %s\n", money(s.TotalPenalty), money(s.TotalInterest))
	fmt.Fprintf(w, "Rows: %d accepted, %d rejected, data quality %.0f/100\n\n", a.Quality.Accepted, a.Quality.Rejected, a.Quality.Score)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tNEXUS\tCROSSED ON\tMETRIC\tSALES\tTXNS\tRULE\tEST. PENALTY\tEST. INTEREST")

	vda := vdaByState(a.VDA)
	for i := range a.Results {
		r := &a.Results[i]
		nexus := "no"
		if r.Crossed {
			nexus = "YES"
		}
		penalty, interest := "-", "-"
		if o, ok := vda[r.StateCode]; ok {
			penalty, interest = money(o.EstimatedPenalty), money(o.EstimatedInterest)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StateCode, nexus, dateOrDash(r), string(r.TriggeringMetric),
			money(r.CumulativeSales), r.CumulativeTransactions, r.LookbackRule,
			penalty, interest)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, warn := range a.Warnings {
		fmt.Fprintf(w, "warning: %s: %s\n", warn.StateCode, warn.Message)
	}
	if n := len(a.Rejected); n > 0 {
		fmt.Fprintf(w, "%d rows rejected", n)
		for i, e := range a.Rejected {
			if i == 5 {
				fmt.Fprintf(w, "; ...")
				break
			}
			fmt.Fprintf(w, "; %s", e.Error())
		}
		fmt.Fprintln(w)
	}
	return nil
}
