package nexus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markmiedema/nexus-analyzer/internal/cache"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/rules"
)

var tracer = otel.Tracer("nexus-engine")

// DefaultWorkers bounds parallel state evaluation when none is configured.
const DefaultWorkers = 8

// RuleSet is the read-only view of state rules the engine needs.
type RuleSet interface {
	Get(state string) (domain.StateRule, bool)
	Trigger(state string) *rules.Trigger
	States() []string
}

// RunOptions scope one EvaluateAll call.
type RunOptions struct {
	Options

	// States limits evaluation to these codes. Empty means every state that
	// appears in the ledger.
	States []string
}

// Run is the outcome of evaluating every state of a ledger.
type Run struct {
	Results  []domain.CrossingResult // sorted by state code
	Warnings []domain.Warning        // states omitted because they could not be evaluated
	Skipped  []string                // states with no configured rule
}

// Engine evaluates states in parallel against a rule set.
type Engine struct {
	rules      RuleSet
	results    *cache.Results
	maxWorkers int
}

// NewEngine creates an engine. maxWorkers <= 0 uses DefaultWorkers.
func NewEngine(rs RuleSet, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}
	return &Engine{rules: rs, maxWorkers: maxWorkers}
}

// WithCache memoizes per-state results. A nil cache disables memoization.
func (e *Engine) WithCache(c domain.Cache, ttl time.Duration) *Engine {
	e.results = cache.NewResults(c, ttl)
	return e
}

// stateJob is one state's share of a run.
type stateJob struct {
	state string
	rule  domain.StateRule
	txs   []domain.Transaction
}

type stateOutcome struct {
	result domain.CrossingResult
	err    error
}

// EvaluateAll evaluates every requested state. States without a rule are
// skipped; states whose rule cannot be evaluated are omitted from Results
// and reported as warnings. The result set does not depend on scheduling.
func (e *Engine) EvaluateAll(ctx context.Context, clientID string, txs []domain.Transaction, opts RunOptions) (*Run, error) {
	ctx, span := tracer.Start(ctx, "nexus.EvaluateAll",
		trace.WithAttributes(
			attribute.String("client.id", clientID),
			attribute.Int("transactions", len(txs)),
		),
	)
	defer span.End()

	grouped := domain.GroupByState(txs)

	states := make([]string, 0, len(grouped))
	if len(opts.States) > 0 {
		for _, s := range opts.States {
			states = append(states, strings.ToUpper(strings.TrimSpace(s)))
		}
	} else {
		for s := range grouped {
			states = append(states, s)
		}
	}
	sort.Strings(states)
	states = dedupe(states)

	run := &Run{}
	jobs := make([]stateJob, 0, len(states))
	for _, s := range states {
		rule, ok := e.rules.Get(s)
		if !ok {
			run.Skipped = append(run.Skipped, s)
			continue
		}
		jobs = append(jobs, stateJob{state: s, rule: rule, txs: grouped[s]})
	}

	outcomes := make([]stateOutcome, len(jobs))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, job := range jobs {
		wg.Add(1)
		go func(idx int, j stateJob) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				outcomes[idx] = stateOutcome{err: err}
				return
			}
			res, err := e.evaluateState(ctx, clientID, j, opts.Options)
			outcomes[idx] = stateOutcome{result: res, err: err}
		}(i, job)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluation cancelled: %w", err)
	}

	for i, out := range outcomes {
		if out.err != nil {
			state := jobs[i].state
			slog.Warn("state omitted from evaluation", "state", state, "client_id", clientID, "error", out.err)
			run.Warnings = append(run.Warnings, domain.Warning{StateCode: state, Message: out.err.Error()})
			continue
		}
		run.Results = append(run.Results, out.result)
	}

	crossed := 0
	for _, r := range run.Results {
		if r.Crossed {
			crossed++
		}
	}
	span.SetAttributes(
		attribute.Int("states.evaluated", len(run.Results)),
		attribute.Int("states.crossed", crossed),
		attribute.Int("states.warned", len(run.Warnings)),
	)

	return run, nil
}

// evaluateState runs Evaluate for one state, consulting the cache first.
func (e *Engine) evaluateState(ctx context.Context, clientID string, j stateJob, opts Options) (domain.CrossingResult, error) {
	trigger := e.rules.Trigger(j.state)

	var key string
	if e.results != nil {
		key = cacheKey(j.rule, trigger, j.txs, opts)
		if res, ok := e.results.Get(ctx, clientID, key); ok {
			return res, nil
		}
	}

	res, err := Evaluate(j.rule, trigger, j.txs, opts)
	if err != nil {
		return domain.CrossingResult{}, err
	}

	if e.results != nil {
		if err := e.results.Put(ctx, clientID, key, res); err != nil {
			slog.Debug("failed to cache result", "state", j.state, "error", err)
		}
	}
	return res, nil
}

// cacheKey fingerprints everything a state's result depends on.
func cacheKey(rule domain.StateRule, trigger *rules.Trigger, txs []domain.Transaction, opts Options) string {
	h := sha256.New()
	ruleJSON, _ := json.Marshal(rule)
	h.Write(ruleJSON)
	if trigger != nil {
		h.Write([]byte(trigger.Expression))
	}
	fmt.Fprintf(h, "|%s|", opts.AsOf.Format(domain.DateLayout))
	for _, tx := range txs {
		fmt.Fprintf(h, "%s,%s,%t,%d;", tx.Date.Format(domain.DateLayout), tx.Amount.String(), tx.IsMarketplaceSale, tx.UnitCount)
	}
	return "result:" + rule.StateCode + ":" + hex.EncodeToString(h.Sum(nil))
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if s == "" || (i > 0 && s == sorted[i-1]) {
			continue
		}
		out = append(out, s)
	}
	return out
}
