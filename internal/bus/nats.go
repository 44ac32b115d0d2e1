package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// ClientHeader carries the client ID on every NATS message so consumers
// can check it without decoding the envelope.
const ClientHeader = "Nexus-Client"

// queueGroups lists topics delivered to one subscriber per group instead of
// every subscriber. Analysis requests are load-balanced across worker
// processes; completion and crossing events fan out.
var queueGroups = map[string]string{
	domain.TopicAnalysisRequested: "nexus-workers",
}

// NATSBus implements EventBus using NATS.
// Used when API and workers run as separate processes.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to NATS. An unreachable server is not an error: the
// client keeps retrying in the background, buffering publishes, and Ping
// reports the outage until it connects.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.NATSUrl, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	if conn.IsConnected() {
		slog.Info("NATS connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	} else {
		slog.Warn("NATS unreachable, retrying in background", "url", cfg.NATSUrl)
	}

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
	}, nil
}

// natsOptions builds the connection options for cfg.
func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	maxReconnects := cfg.NATSMaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait == 0 {
		wait = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name("nexus-analyzer"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish wraps payload in a message envelope and sends it on the client's
// subject. The envelope ID doubles as the NATS message ID.
func (b *NATSBus) Publish(ctx context.Context, clientID string, topic string, payload []byte) error {
	subject, err := Subject(clientID, topic)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	env := domain.Message{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", topic, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	msg.Header.Set(ClientHeader, clientID)
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers a client's topic to handler. Topics in queueGroups are
// shared among all subscribers in the group.
func (b *NATSBus) Subscribe(ctx context.Context, clientID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	subject, err := Subject(clientID, topic)
	if err != nil {
		return nil, err
	}

	cb := func(m *nats.Msg) { deliver(ctx, clientID, m, handler) }

	var ns *nats.Subscription
	if group, ok := queueGroups[topic]; ok {
		ns, err = b.conn.QueueSubscribe(subject, group, cb)
	} else {
		ns, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{id: uuid.New().String(), topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// deliver decodes one NATS message and hands it to handler. Envelopes that
// name a different client than the subject are dropped.
func deliver(ctx context.Context, clientID string, m *nats.Msg, handler domain.MessageHandler) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Error("undecodable NATS message", "subject", m.Subject, "error", err)
		return
	}
	if msg.ClientID != clientID {
		slog.Warn("dropping message for another client",
			"subject", m.Subject,
			"message_id", msg.ID,
			"client_id", msg.ClientID,
		)
		return
	}

	if err := handler(ctx, &msg); err != nil {
		slog.Error("handler error",
			"subject", m.Subject,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Ping flushes the connection, failing while NATS is unreachable.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops all subscriptions and drains the connection so buffered
// events reach the server before it closes.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.sub.Unsubscribe()
	}

	if !b.conn.IsConnected() {
		b.conn.Close()
		return nil
	}
	return b.conn.Drain()
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Unsubscribe stops delivery and forgets the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
