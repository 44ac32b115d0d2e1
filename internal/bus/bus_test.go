package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	clientID := "client-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, clientID, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, clientID, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.ClientID != clientID {
			t.Errorf("expected clientID '%s', got '%s'", clientID, receivedMsg.ClientID)
		}
	})

	t.Run("ClientIsolation", func(t *testing.T) {
		client1 := "client-001"
		client2 := "client-002"

		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, client1, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, client2, "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		// Publish to client1
		bus.Publish(ctx, client1, "isolation.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("client1 should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("client2 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("RequiresClientID", func(t *testing.T) {
		err := bus.Publish(ctx, "", "topic", []byte("data"))
		if err == nil {
			t.Error("expected error for empty clientID")
		}

		_, err = bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty clientID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, clientID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, clientID, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, clientID, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, clientID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, clientID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, clientID, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {
		var count atomic.Int32

		bus.Subscribe(ctx, clientID, domain.TopicStateCrossed, func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return errors.New("downstream unavailable")
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, clientID, domain.TopicStateCrossed, []byte("1"))
		bus.Publish(ctx, clientID, domain.TopicStateCrossed, []byte("2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 2 {
			t.Errorf("expected 2 deliveries despite handler errors, got %d", count.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, clientID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	clientID := "client-001"

	bus.Subscribe(ctx, clientID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, clientID, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got: %v", err)
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if bus != nil {
			t.Errorf("expected nil bus, got %T", bus)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	clientID := "client-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, clientID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, clientID, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		clientID string
		want     string
		wantErr  error
	}{
		{"acme", "nexus.acme.analysis.completed", nil},
		{"acme-co_2", "nexus.acme-co_2.analysis.completed", nil},
		{"", "", ErrClientRequired},
		{"acme.co", "", ErrInvalidClientID},
		{"*", "", ErrInvalidClientID},
		{">", "", ErrInvalidClientID},
		{"acme co", "", ErrInvalidClientID},
	}

	for _, tt := range tests {
		got, err := Subject(tt.clientID, domain.TopicAnalysisCompleted)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Subject(%q) error = %v, want %v", tt.clientID, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Subject(%q) = %q, want %q", tt.clientID, got, tt.want)
		}
	}
}

type crossingEvent struct {
	RunID string `json:"runId"`
	State string `json:"state"`
}

func TestPublishJSON(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	got := make(chan crossingEvent, 1)
	_, err := b.Subscribe(ctx, "client-001", domain.TopicStateCrossed, func(ctx context.Context, msg *domain.Message) error {
		ev, err := Decode[crossingEvent](msg)
		if err != nil {
			return err
		}
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := PublishJSON(ctx, b, "client-001", domain.TopicStateCrossed, crossingEvent{RunID: "run-1", State: "CA"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.RunID != "run-1" || ev.State != "CA" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	t.Run("UnencodableValue", func(t *testing.T) {
		if err := PublishJSON(ctx, b, "client-001", domain.TopicStateCrossed, make(chan int)); err == nil {
			t.Error("expected encode error")
		}
	})

	t.Run("InvalidClient", func(t *testing.T) {
		err := PublishJSON(ctx, b, "acme.*", domain.TopicStateCrossed, crossingEvent{})
		if !errors.Is(err, ErrInvalidClientID) {
			t.Errorf("expected ErrInvalidClientID, got %v", err)
		}
		if _, err := b.Subscribe(ctx, "acme.*", domain.TopicStateCrossed, nil); !errors.Is(err, ErrInvalidClientID) {
			t.Errorf("expected ErrInvalidClientID from Subscribe, got %v", err)
		}
	})

	t.Run("DecodeError", func(t *testing.T) {
		_, err := Decode[crossingEvent](&domain.Message{ID: "m1", Topic: domain.TopicStateCrossed, Payload: []byte("{")})
		if err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestNATSDeliver(t *testing.T) {
	envelope := func(clientID string) []byte {
		data, err := json.Marshal(domain.Message{
			ID:       "m1",
			ClientID: clientID,
			Topic:    domain.TopicAnalysisCompleted,
			Payload:  []byte(`{"analysisId":"run-1"}`),
		})
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		return data
	}

	var calls int
	var last *domain.Message
	handler := func(ctx context.Context, msg *domain.Message) error {
		calls++
		last = msg
		return nil
	}
	ctx := context.Background()

	deliver(ctx, "acme", &nats.Msg{Subject: "nexus.acme.analysis.completed", Data: envelope("acme")}, handler)
	if calls != 1 || last.ID != "m1" || string(last.Payload) != `{"analysisId":"run-1"}` {
		t.Fatalf("expected one delivery of m1, got %d (%+v)", calls, last)
	}

	deliver(ctx, "acme", &nats.Msg{Subject: "nexus.acme.analysis.completed", Data: envelope("globex")}, handler)
	if calls != 1 {
		t.Error("expected a message for another client to be dropped")
	}

	deliver(ctx, "acme", &nats.Msg{Subject: "nexus.acme.analysis.completed", Data: []byte("not json")}, handler)
	if calls != 1 {
		t.Error("expected an undecodable message to be dropped")
	}
}

func TestNATSBusUnreachable(t *testing.T) {
	b, err := NewNATSBus(domain.EventBusConfig{
		NATSUrl:           "nats://127.0.0.1:1",
		NATSMaxReconnects: 1,
		NATSReconnectWait: 1,
	})
	if err != nil {
		t.Fatalf("expected background reconnect, got error: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Ping(ctx); err == nil {
		t.Error("expected Ping to fail while NATS is unreachable")
	}

	if err := b.Publish(ctx, "acme.co", domain.TopicAnalysisCompleted, nil); !errors.Is(err, ErrInvalidClientID) {
		t.Errorf("expected ErrInvalidClientID, got %v", err)
	}
	if _, err := b.Subscribe(ctx, "", domain.TopicAnalysisRequested, nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}
