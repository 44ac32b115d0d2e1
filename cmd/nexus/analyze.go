package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
	"github.com/markmiedema/nexus-analyzer/internal/report"
	"github.com/markmiedema/nexus-analyzer/internal/repository"
)

// maxRejectedShown bounds how many rejected rows are echoed to stderr.
const maxRejectedShown = 10

type analyzeOptions struct {
	output    string
	format    string
	rulesPath string
	client    string
	asOf      string
	states    string
	id        string
	store     bool
}

func newAnalyzeCmd(a *app) *cobra.Command {
	o := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze INPUT",
		Short: "Analyze a sales ledger for economic nexus",
		Long: `Analyze a CSV or XLSX sales ledger against the state rule set.

The report goes to stdout in the chosen format. With -o the report is
written to the file instead (format taken from the extension unless
--format is set) and a summary table is printed.

Examples:
  nexus analyze sales.csv
  nexus analyze sales.csv -o nexus_analysis.xlsx --client "Acme Co"
  nexus analyze sales.xlsx --format json --states CA,NY --as-of 2023-12-31`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, a, o, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "", "Write the report to this file")
	f.StringVar(&o.format, "format", "", "Output format: table, json, csv, xlsx")
	f.StringVarP(&o.rulesPath, "config", "c", "", "State rule file (default: embedded rules)")
	f.StringVar(&o.client, "client", "Client", "Client name recorded on the run")
	f.StringVar(&o.asOf, "as-of", "", "Ignore transactions after this date (YYYY-MM-DD)")
	f.StringVar(&o.states, "states", "", "Comma-separated state codes to evaluate (default: all)")
	f.StringVar(&o.id, "id", "", "Run ID (default: generated)")
	f.BoolVar(&o.store, "store", false, "Persist the run to the configured repository")

	return cmd
}

func runAnalyze(cmd *cobra.Command, a *app, o *analyzeOptions, input string) error {
	format, err := o.resolveFormat()
	if err != nil {
		return err
	}

	opts := analysis.Options{ID: o.id, StoreTransactions: o.store}
	if o.asOf != "" {
		if opts.AsOf, err = ledger.ParseDate(o.asOf); err != nil {
			return fmt.Errorf("invalid --as-of %q: %w", o.asOf, err)
		}
	}
	if o.states != "" {
		for _, s := range strings.Split(o.states, ",") {
			code, err := ledger.ParseState(s)
			if err != nil {
				return fmt.Errorf("invalid --states entry %q: %w", s, err)
			}
			opts.States = append(opts.States, code)
		}
	}

	rules, err := a.loadRules(o.rulesPath)
	if err != nil {
		return err
	}

	start := time.Now()
	records, err := ledger.ReadFile(input)
	if err != nil {
		return reportRejected(cmd.ErrOrStderr(), err)
	}
	slog.Debug("ledger loaded", "path", input, "rows", len(records))

	batch, err := ledger.Normalize(records, ledger.Options{MaxTransactions: a.cfg.Analysis.MaxTransactions})
	if err != nil {
		if batch != nil {
			reportRejected(cmd.ErrOrStderr(), domain.ValidationErrors(batch.Rejected))
		}
		return reportRejected(cmd.ErrOrStderr(), err)
	}

	svc := analysis.NewService(rules, a.cfg.Analysis)
	if o.store {
		repo, err := repository.New(a.cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to open repository: %w", err)
		}
		defer repo.Close()
		svc = svc.WithRepository(repo)
	}

	res, err := svc.Evaluate(cmd.Context(), o.client, batch, opts, start)
	if err != nil {
		return reportRejected(cmd.ErrOrStderr(), err)
	}
	for i, r := range res.Rejected {
		if i == maxRejectedShown {
			slog.Warn("more rows rejected", "count", len(res.Rejected)-maxRejectedShown)
			break
		}
		slog.Warn("row rejected", "row", r.Row, "field", r.Field, "value", r.Value, "reason", r.Reason)
	}
	for _, w := range res.Warnings {
		slog.Warn("state skipped", "state", w.StateCode, "reason", w.Message)
	}

	out := cmd.OutOrStdout()
	if o.output == "" {
		return writeAnalysis(out, format, res)
	}

	f, err := os.Create(o.output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", o.output, err)
	}
	if err := writeAnalysis(f, format, res); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := report.WriteTable(out, res.Analysis); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\nReport saved to: %s\n", o.output)
	return err
}

// resolveFormat prefers --format, then the output file extension.
func (o *analyzeOptions) resolveFormat() (report.Format, error) {
	if o.format != "" || o.output == "" {
		return report.ParseFormat(o.format)
	}
	switch strings.ToLower(filepath.Ext(o.output)) {
	case ".xlsx":
		return report.FormatXLSX, nil
	case ".json":
		return report.FormatJSON, nil
	case ".csv":
		return report.FormatCSV, nil
	}
	return report.FormatTable, nil
}

func writeAnalysis(w io.Writer, format report.Format, res *analysis.Result) error {
	if format == report.FormatXLSX {
		return report.WriteXLSX(w, res.Analysis, res.Transactions)
	}
	return report.Write(w, format, res.Analysis)
}

// reportRejected lists per-row problems before returning err.
func reportRejected(w io.Writer, err error) error {
	var verrs domain.ValidationErrors
	if errors.As(err, &verrs) {
		for i, v := range verrs {
			if i == maxRejectedShown {
				fmt.Fprintf(w, "  ... and %d more\n", len(verrs)-maxRejectedShown)
				break
			}
			fmt.Fprintf(w, "  %s\n", v.Error())
		}
	}
	return err
}
