// Command nexus determines where a seller has crossed U.S. state economic
// nexus thresholds.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/markmiedema/nexus-analyzer/internal/config"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	cfg        *domain.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "nexus",
		Short: "Sales tax economic nexus analyzer",
		Long: `nexus analyzes a sales ledger against per-state economic nexus thresholds
and reports, for every state, whether and when the threshold was crossed,
with estimated voluntary disclosure exposure for crossed states.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			slog.SetDefault(config.NewLogger(cfg.Logging, cmd.ErrOrStderr()))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "app-config", os.Getenv("NEXUS_CONFIG"), "Application config file (YAML)")

	root.AddCommand(
		newAnalyzeCmd(a),
		newStatesCmd(a),
		newStateInfoCmd(a),
		newGenerateSampleCmd(),
		newServeCmd(a),
		newVersionCmd(),
	)
	return root
}

// loadRules returns the rule file at path, falling back to the configured
// rules and then to the embedded default set.
func (a *app) loadRules(path string) (*registry.Registry, error) {
	if path == "" {
		path = a.cfg.Analysis.RulesPath
	}
	if path == "" {
		return registry.Default()
	}
	rs, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", path, err)
	}
	slog.Debug("rules loaded", "path", path, "states", rs.Len())
	return rs, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "nexus %s (commit %s, built %s)\n", Version, Commit, BuildDate)
			return err
		},
	}
}
