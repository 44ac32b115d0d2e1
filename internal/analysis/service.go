// Package analysis runs the end-to-end nexus pipeline: normalize a ledger,
// evaluate every state, estimate VDA exposure, summarize, then persist and
// announce the run.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/markmiedema/nexus-analyzer/internal/bus"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/ledger"
	"github.com/markmiedema/nexus-analyzer/internal/nexus"
	"github.com/markmiedema/nexus-analyzer/internal/report"
	"github.com/markmiedema/nexus-analyzer/internal/vda"
)

// Version identifies the engine build recorded on each run.
const Version = "1.0.0"

// Options scope a single run.
type Options struct {
	// ID assigns the run ID. Empty generates one.
	ID string `json:"id,omitempty"`

	// AsOf stops evaluation after this date. Zero evaluates the whole ledger.
	AsOf time.Time `json:"asOf,omitzero"`

	// States limits evaluation to these codes.
	States []string `json:"states,omitempty"`

	// StoreTransactions also persists the normalized ledger with the run.
	StoreTransactions bool `json:"storeTransactions,omitempty"`
}

// Result is a completed run plus the ledger it was computed from.
type Result struct {
	*domain.Analysis
	Transactions []domain.Transaction `json:"-"`
}

// Service runs analyses. Repository and bus are optional.
type Service struct {
	rules           nexus.RuleSet
	engine          *nexus.Engine
	repo            domain.Repository
	bus             domain.EventBus
	maxTransactions int
}

// NewService creates a service evaluating against rs.
func NewService(rs nexus.RuleSet, cfg domain.AnalysisConfig) *Service {
	return &Service{
		rules:           rs,
		engine:          nexus.NewEngine(rs, cfg.Workers),
		maxTransactions: cfg.MaxTransactions,
	}
}

// WithRepository persists every completed run.
func (s *Service) WithRepository(repo domain.Repository) *Service {
	s.repo = repo
	return s
}

// WithEventBus publishes run and crossing events.
func (s *Service) WithEventBus(eb domain.EventBus) *Service {
	s.bus = eb
	return s
}

// WithCache memoizes per-state results across runs.
func (s *Service) WithCache(cache domain.Cache, ttl time.Duration) *Service {
	s.engine.WithCache(cache, ttl)
	return s
}

// Run analyzes one client's raw ledger.
//
// Rejected rows do not fail the run; they are returned on the analysis next
// to the results. The run fails when no row is usable, when the batch is
// too large, or when the context is cancelled.
func (s *Service) Run(ctx context.Context, clientID string, records []domain.RawRecord, opts Options) (*Result, error) {
	start := time.Now()

	batch, err := ledger.Normalize(records, ledger.Options{MaxTransactions: s.maxTransactions})
	if err != nil {
		return nil, fmt.Errorf("failed to normalize ledger: %w", err)
	}
	if n := len(batch.Rejected); n > 0 {
		slog.Warn("ledger rows rejected", "client_id", clientID, "rejected", n, "accepted", len(batch.Transactions))
	}

	return s.Evaluate(ctx, clientID, batch, opts, start)
}

// Evaluate analyzes an already normalized batch. start marks when the run
// began; the zero time means now.
func (s *Service) Evaluate(ctx context.Context, clientID string, batch *ledger.Batch, opts Options, start time.Time) (*Result, error) {
	if start.IsZero() {
		start = time.Now()
	}
	if len(batch.Transactions) == 0 {
		return nil, &domain.NoDataError{Rejected: len(batch.Rejected)}
	}

	run, err := s.engine.EvaluateAll(ctx, clientID, batch.Transactions, nexus.RunOptions{
		Options: nexus.Options{AsOf: opts.AsOf},
		States:  opts.States,
	})
	if err != nil {
		return nil, err
	}

	outcomes := vda.ComputeAll(s.rules.Get, run.Results, domain.GroupByState(batch.Transactions))

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	a := &domain.Analysis{
		ID:        id,
		ClientID:  clientID,
		CreatedAt: start.UTC(),
		AsOf:      opts.AsOf,
		Results:   run.Results,
		VDA:       outcomes,
		Warnings:  run.Warnings,
		Rejected:  batch.Rejected,
		Quality:   batch.Quality,
		Summary:   report.Summarize(run.Results, outcomes, run.Warnings, len(run.Skipped)),
		Version:   Version,
	}
	a.DurationMs = time.Since(start).Milliseconds()

	if s.repo != nil {
		if err := s.repo.SaveAnalysis(ctx, clientID, a); err != nil {
			return nil, fmt.Errorf("failed to save analysis: %w", err)
		}
		if opts.StoreTransactions {
			if err := s.repo.SaveTransactions(ctx, clientID, a.ID, batch.Transactions); err != nil {
				return nil, fmt.Errorf("failed to save transactions: %w", err)
			}
		}
	}

	s.publish(ctx, clientID, a)

	slog.Info("analysis complete",
		"client_id", clientID,
		"run_id", a.ID,
		"states", a.Summary.StatesAnalyzed,
		"with_nexus", a.Summary.StatesWithNexus,
		"warnings", len(a.Warnings),
		"duration_ms", a.DurationMs,
	)

	return &Result{Analysis: a, Transactions: batch.Transactions}, nil
}

// CompletedEvent is published on TopicAnalysisCompleted.
type CompletedEvent struct {
	AnalysisID string         `json:"analysisId"`
	ClientID   string         `json:"clientId"`
	Summary    domain.Summary `json:"summary"`
}

// CrossedEvent is published on TopicStateCrossed for each crossed state.
type CrossedEvent struct {
	AnalysisID string                `json:"analysisId"`
	Result     domain.CrossingResult `json:"result"`
	VDA        *domain.VDAOutcome    `json:"vda,omitempty"`
}

// publish announces a run. Failures are logged; the run already succeeded.
func (s *Service) publish(ctx context.Context, clientID string, a *domain.Analysis) {
	if s.bus == nil {
		return
	}

	send := func(topic string, v any) {
		if err := bus.PublishJSON(ctx, s.bus, clientID, topic, v); err != nil {
			slog.Warn("failed to publish event", "topic", topic, "run_id", a.ID, "error", err)
		}
	}

	for _, r := range a.Results {
		if !r.Crossed {
			continue
		}
		ev := CrossedEvent{AnalysisID: a.ID, Result: r}
		for i := range a.VDA {
			if a.VDA[i].StateCode == r.StateCode {
				ev.VDA = &a.VDA[i]
			}
		}
		send(domain.TopicStateCrossed, ev)
	}

	send(domain.TopicAnalysisCompleted, CompletedEvent{AnalysisID: a.ID, ClientID: clientID, Summary: a.Summary})
}

// Request is the payload of TopicAnalysisRequested.
type Request struct {
	Options
	Records []domain.RawRecord `json:"records"`
}

// IsInputError reports whether a run failed because of the submitted
// ledger rather than the service.
func IsInputError(err error) bool {
	return errors.Is(err, domain.ErrNoData) || errors.Is(err, domain.ErrValidation)
}
