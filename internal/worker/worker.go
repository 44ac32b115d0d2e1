// Package worker runs analyses requested over the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/bus"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

var (
	// ErrNoClients is returned by Start when no client is configured.
	ErrNoClients = errors.New("worker: no clients configured")

	// ErrStopped is returned for work that arrives after Stop.
	ErrStopped = errors.New("worker: stopped")
)

// Runner executes one analysis request.
type Runner interface {
	Run(ctx context.Context, clientID string, records []domain.RawRecord, opts analysis.Options) (*analysis.Result, error)
}

// Worker consumes TopicAnalysisRequested and runs each request. Completion
// events are published by the analysis service; failures are published
// here on TopicAnalysisFailed.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopped       bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// ClientIDs lists the clients whose requests this worker consumes.
	ClientIDs []string
}

// FailedEvent is published on TopicAnalysisFailed.
type FailedEvent struct {
	AnalysisID string `json:"analysisId,omitempty"`
	ClientID   string `json:"clientId"`
	Error      string `json:"error"`

	// InputError is true when the submitted ledger, not the service, was at fault.
	InputError bool `json:"inputError"`
}

// NewWorker creates a new async worker.
func NewWorker(eb domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eb,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to analysis requests for every configured client.
// Clients that fail to subscribe are logged and skipped.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.ClientIDs) == 0 {
		return ErrNoClients
	}
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	started := 0
	for _, clientID := range cfg.ClientIDs {
		if err := w.startClientWorker(clientID); err != nil {
			slog.Error("failed to start worker for client",
				"client_id", clientID,
				"error", err,
			)
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("worker: no client subscriptions started")
	}

	slog.Info("workers started",
		"client_count", started,
	)

	return nil
}

// startClientWorker subscribes to one client's request topic.
func (w *Worker) startClientWorker(clientID string) error {
	sub, err := w.bus.Subscribe(w.ctx, clientID, domain.TopicAnalysisRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, clientID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("client worker started",
		"client_id", clientID,
		"topic", domain.TopicAnalysisRequested,
	)

	return nil
}

// processRequest runs one analysis request.
func (w *Worker) processRequest(ctx context.Context, clientID string, msg *domain.Message) error {
	// Add only while running so Stop's Wait never races a new run.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	start := time.Now()

	req, err := bus.Decode[analysis.Request](msg)
	if err != nil {
		slog.Error("failed to parse analysis request",
			"message_id", msg.ID,
			"error", err,
		)
		w.fail(ctx, clientID, "", fmt.Errorf("invalid request payload: %w", err), true)
		return err
	}

	if req.ID == "" {
		req.ID = msg.ID
	}

	slog.Debug("processing analysis request",
		"run_id", req.ID,
		"client_id", clientID,
		"records", len(req.Records),
	)

	res, err := w.runner.Run(ctx, clientID, req.Records, req.Options)
	if err != nil {
		slog.Error("analysis failed",
			"run_id", req.ID,
			"client_id", clientID,
			"error", err,
		)
		w.fail(ctx, clientID, req.ID, err, analysis.IsInputError(err))
		return err
	}

	slog.Info("analysis request processed",
		"run_id", res.ID,
		"client_id", clientID,
		"with_nexus", res.Summary.StatesWithNexus,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) fail(ctx context.Context, clientID, runID string, cause error, input bool) {
	err := bus.PublishJSON(ctx, w.bus, clientID, domain.TopicAnalysisFailed, FailedEvent{
		AnalysisID: runID,
		ClientID:   clientID,
		Error:      cause.Error(),
		InputError: input,
	})
	if err != nil {
		slog.Error("failed to publish failure",
			"run_id", runID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers, waiting for in-flight runs.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	// Unsubscribe all
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
