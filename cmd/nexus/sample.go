package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markmiedema/nexus-analyzer/internal/ledger"
	"github.com/markmiedema/nexus-analyzer/internal/sample"
)

func newGenerateSampleCmd() *cobra.Command {
	var (
		output      string
		startDate   string
		endDate     string
		states      string
		seed        uint64
		forceBreach bool
	)

	cmd := &cobra.Command{
		Use:   "generate-sample",
		Short: "Generate a synthetic sales ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sample.Options{Seed: seed, ForceBreach: forceBreach}

			var err error
			if opts.Start, err = ledger.ParseDate(startDate); err != nil {
				return fmt.Errorf("invalid --start-date %q: %w", startDate, err)
			}
			if opts.End, err = ledger.ParseDate(endDate); err != nil {
				return fmt.Errorf("invalid --end-date %q: %w", endDate, err)
			}
			if states != "" {
				for _, s := range strings.Split(states, ",") {
					code, err := ledger.ParseState(s)
					if err != nil {
						return fmt.Errorf("invalid --states entry %q: %w", s, err)
					}
					opts.States = append(opts.States, code)
				}
			}

			rows, err := sample.Generate(opts)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := sample.WriteCSV(f, rows); err != nil {
				f.Close()
				return fmt.Errorf("failed to write sample: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated %d rows from %s to %s\n", len(rows), startDate, endDate)
			if forceBreach {
				fmt.Fprintln(out, "Forced breach orders injected")
			}
			fmt.Fprintf(out, "Saved to: %s\n", output)
			return nil
		},
	}

	def := sample.DefaultOptions()
	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "sample_sales_data.csv", "Output CSV path")
	f.StringVar(&startDate, "start-date", def.Start.Format("2006-01-02"), "First date (YYYY-MM-DD)")
	f.StringVar(&endDate, "end-date", def.End.Format("2006-01-02"), "Last date (YYYY-MM-DD)")
	f.StringVar(&states, "states", "", "Comma-separated state codes (default: "+strings.Join(sample.DefaultStates, ",")+")")
	f.Uint64Var(&seed, "seed", def.Seed, "Random seed for reproducibility")
	f.BoolVar(&forceBreach, "force-breach", false, "Inject orders large enough to cross every threshold")
	return cmd
}
