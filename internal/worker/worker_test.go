package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/bus"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
)

func newService(t *testing.T, eventBus domain.EventBus) *analysis.Service {
	t.Helper()
	rs, err := registry.Default()
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return analysis.NewService(rs, domain.DefaultConfig().Analysis).WithEventBus(eventBus)
}

// await subscribes to topic for clientID and returns a channel of payloads.
func await(t *testing.T, eventBus domain.EventBus, clientID, topic string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 10)
	_, err := eventBus.Subscribe(context.Background(), clientID, topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg.Payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// countingRunner records how many runs reached it.
type countingRunner struct {
	calls atomic.Int64
}

func (r *countingRunner) Run(ctx context.Context, clientID string, records []domain.RawRecord, opts analysis.Options) (*analysis.Result, error) {
	r.calls.Add(1)
	return &analysis.Result{Analysis: &domain.Analysis{ID: opts.ID, ClientID: clientID}}, nil
}

func TestWorkerStopRejectsNewWork(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	runner := &countingRunner{}
	w := NewWorker(eventBus, runner)
	if err := w.Start(Config{ClientIDs: []string{"client-stop"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	msg := &domain.Message{ID: "msg-1", Payload: []byte(`{"id":"run-1","records":[]}`)}
	if err := w.processRequest(context.Background(), "client-stop", msg); err != nil {
		t.Fatalf("processRequest failed: %v", err)
	}

	// Deliveries racing Stop must either finish before Wait returns or be refused.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.processRequest(context.Background(), "client-stop", msg)
		}()
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	wg.Wait()

	before := runner.calls.Load()
	if err := w.processRequest(context.Background(), "client-stop", msg); err != ErrStopped {
		t.Errorf("expected ErrStopped after Stop, got: %v", err)
	}
	if got := runner.calls.Load(); got != before {
		t.Errorf("expected no run after Stop, calls went from %d to %d", before, got)
	}
	if err := w.Start(Config{ClientIDs: []string{"client-stop"}}); err != ErrStopped {
		t.Errorf("expected restart to fail with ErrStopped, got: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	svc := newService(t, eventBus)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, svc)

		if err := w.Start(Config{ClientIDs: []string{"client-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicAnalysisRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicAnalysisRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("NoClients", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{}); err != ErrNoClients {
			t.Errorf("expected ErrNoClients, got: %v", err)
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{ClientIDs: []string{"client-run"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		completed := await(t, eventBus, "client-run", domain.TopicAnalysisCompleted)
		crossed := await(t, eventBus, "client-run", domain.TopicStateCrossed)

		req := analysis.Request{
			Options: analysis.Options{ID: "run-async"},
			Records: []domain.RawRecord{
				{Row: 2, Date: "2023-01-10", State: "CA", Amount: "300000"},
				{Row: 3, Date: "2023-03-15", State: "CA", Amount: "250000"},
				{Row: 4, Date: "2023-02-01", State: "TX", Amount: "1000"},
			},
		}
		payload, _ := json.Marshal(req)
		if err := eventBus.Publish(context.Background(), "client-run", domain.TopicAnalysisRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		var ev analysis.CrossedEvent
		if err := json.Unmarshal(receive(t, crossed), &ev); err != nil {
			t.Fatalf("failed to parse crossed event: %v", err)
		}
		if ev.AnalysisID != "run-async" || ev.Result.StateCode != "CA" {
			t.Errorf("unexpected crossed event: %+v", ev)
		}

		var done analysis.CompletedEvent
		if err := json.Unmarshal(receive(t, completed), &done); err != nil {
			t.Fatalf("failed to parse completed event: %v", err)
		}
		if done.ClientID != "client-run" {
			t.Errorf("expected client 'client-run', got '%s'", done.ClientID)
		}
		if done.Summary.StatesAnalyzed != 2 || done.Summary.StatesWithNexus != 1 {
			t.Errorf("unexpected summary: %+v", done.Summary)
		}
	})

	t.Run("FailurePublished", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{ClientIDs: []string{"client-bad"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		failed := await(t, eventBus, "client-bad", domain.TopicAnalysisFailed)

		payload, _ := json.Marshal(analysis.Request{
			Options: analysis.Options{ID: "run-bad"},
			Records: []domain.RawRecord{{Row: 2, Date: "nope", State: "CA", Amount: "1"}},
		})
		eventBus.Publish(context.Background(), "client-bad", domain.TopicAnalysisRequested, payload)

		var ev FailedEvent
		if err := json.Unmarshal(receive(t, failed), &ev); err != nil {
			t.Fatalf("failed to parse failure: %v", err)
		}
		if ev.AnalysisID != "run-bad" || !ev.InputError {
			t.Errorf("unexpected failure event: %+v", ev)
		}

		eventBus.Publish(context.Background(), "client-bad", domain.TopicAnalysisRequested, []byte("{not json"))
		var bad FailedEvent
		if err := json.Unmarshal(receive(t, failed), &bad); err != nil {
			t.Fatalf("failed to parse failure: %v", err)
		}
		if bad.AnalysisID != "" || bad.ClientID != "client-bad" || !bad.InputError {
			t.Errorf("unexpected failure event for bad payload: %+v", bad)
		}
	})

	t.Run("MultiClient", func(t *testing.T) {
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{ClientIDs: []string{"client-a", "client-b"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 clients, got %d", stats.SubscriptionCount)
		}
	})
}
