package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

var (
	ErrClientRequired  = errors.New("clientID is required")
	ErrInvalidClientID = errors.New("clientID must be a single subject token")
	ErrClosed          = errors.New("bus is closed")
)

// SubjectPrefix roots every subject the analyzer publishes on.
const SubjectPrefix = "nexus"

// New creates a new event bus based on configuration.
// "channel" returns a ChannelBus and "nats" a NATSBus. "none" and "" return
// a nil bus, which disables event publishing.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil

	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Subject names a client's topic as nexus.<client>.<topic>. Client IDs may
// not contain subject separators or wildcards, so one client can never
// subscribe to another's events.
func Subject(clientID, topic string) (string, error) {
	if err := checkClientID(clientID); err != nil {
		return "", err
	}
	return SubjectPrefix + "." + clientID + "." + topic, nil
}

func checkClientID(clientID string) error {
	if clientID == "" {
		return ErrClientRequired
	}
	if strings.ContainsAny(clientID, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidClientID, clientID)
	}
	return nil
}

// PublishJSON publishes v as the JSON payload of a client event.
func PublishJSON(ctx context.Context, b domain.EventBus, clientID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, clientID, topic, payload)
}

// Decode reads a message payload published with PublishJSON.
func Decode[T any](msg *domain.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return v, nil
}
