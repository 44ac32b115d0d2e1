package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
)

func newStatesCmd(a *app) *cobra.Command {
	var rulesPath string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "states",
		Short: "List configured states and their thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadRules(rulesPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			if verbose {
				fmt.Fprintln(tw, "STATE\tSALES THRESHOLD\tTXN THRESHOLD\tLOOKBACK\tTAX RATE\tMARKETPLACE\tEFFECTIVE")
			} else {
				fmt.Fprintln(tw, "STATE\tSALES THRESHOLD\tTXN THRESHOLD\tLOOKBACK")
			}
			for _, r := range rules.Rules() {
				if verbose {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.StateCode, salesThreshold(r), txnThreshold(r), r.LookbackRule,
						percent(r.TaxRate), yesNo(r.MarketplaceThresholdInclusion), effective(r))
				} else {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.StateCode, salesThreshold(r), txnThreshold(r), r.LookbackRule)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			s := rules.Summary()
			fmt.Fprintf(out, "\nSummary:\n")
			fmt.Fprintf(out, "  Total states: %d\n", s.TotalStates)
			fmt.Fprintf(out, "  With sales threshold: %d\n", s.StatesWithSalesThreshold)
			fmt.Fprintf(out, "  With transaction threshold: %d\n", s.StatesWithTransactionThresh)
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "config", "c", "", "State rule file (default: embedded rules)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show tax rate, marketplace inclusion and effective date")
	return cmd
}

func newStateInfoCmd(a *app) *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "state-info STATE",
		Short: "Show the full rule for one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := ledger.ParseState(args[0])
			if err != nil {
				return err
			}
			rules, err := a.loadRules(rulesPath)
			if err != nil {
				return err
			}
			r, ok := rules.Get(code)
			if !ok {
				return fmt.Errorf("state %s is not configured", code)
			}
			return writeStateInfo(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "config", "c", "", "State rule file (default: embedded rules)")
	return cmd
}

func writeStateInfo(w io.Writer, r domain.StateRule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State\t%s\n", r.StateCode)
	fmt.Fprintf(tw, "Sales threshold\t%s\n", salesThreshold(r))
	fmt.Fprintf(tw, "Transaction threshold\t%s\n", txnThreshold(r))
	fmt.Fprintf(tw, "Lookback rule\t%s\n", r.LookbackRule)
	if r.FiscalYearStartMonth != 0 {
		fmt.Fprintf(tw, "Fiscal year starts\t%s\n", r.FiscalYearStartMonth)
	}
	fmt.Fprintf(tw, "Marketplace sales counted\t%s\n", yesNo(r.MarketplaceThresholdInclusion))
	fmt.Fprintf(tw, "Effective date\t%s\n", effective(r))
	fmt.Fprintf(tw, "Tax rate\t%s\n", percent(r.TaxRate))
	fmt.Fprintf(tw, "Standard penalty rate\t%s\n", percent(r.StandardPenaltyRate))
	fmt.Fprintf(tw, "Annual interest rate\t%s\n", percent(r.InterestRate))
	if r.VDALookbackCap != nil {
		fmt.Fprintf(tw, "VDA lookback cap\t%d quarters\n", *r.VDALookbackCap)
	} else {
		fmt.Fprintf(tw, "VDA lookback cap\tnone\n")
	}
	if r.TriggerExpression != "" {
		fmt.Fprintf(tw, "Trigger expression\t%s\n", r.TriggerExpression)
	}
	if r.Notes != "" {
		fmt.Fprintf(tw, "Notes\t%s\n", r.Notes)
	}
	return tw.Flush()
}

func salesThreshold(r domain.StateRule) string {
	if !r.HasSalesThreshold() {
		return "-"
	}
	return "$" + r.SalesThreshold.StringFixed(0)
}

func txnThreshold(r domain.StateRule) string {
	if !r.HasTransactionThreshold() {
		return "-"
	}
	return fmt.Sprintf("%d", *r.TransactionThreshold)
}

func percent(d decimal.Decimal) string {
	return d.Shift(2).StringFixed(2) + "%"
}

func effective(r domain.StateRule) string {
	if r.EffectiveDate.IsZero() {
		return "-"
	}
	return r.EffectiveDate.Format(domain.DateLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
