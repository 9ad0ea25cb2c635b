// Package events publishes audit and security events about orders and tokens.
// Publishing is best effort: a broker outage is logged, never surfaced to the
// operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event types
const (
	OrderCreated            = "order.created"
	OrderFailed             = "order.failed"
	OrderRefunded           = "order.refunded"
	PaymentCompleted        = "payment.completed"
	PaymentSignatureInvalid = "payment.signature_invalid"
	TokenIssued             = "token.issued"
	TokenRedeemed           = "token.redeemed"
	TokenClientMismatch     = "token.client_mismatch"
	VaultHandoff            = "vault.handoff"
	TokensSwept             = "tokens.swept"
)

// Event is one audit record. Data never carries token secrets or signatures.
type Event struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	OccurredAt   time.Time         `json:"occurred_at"`
	PartitionKey string            `json:"-"`
	Security     bool              `json:"security,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

// New builds an event keyed by partitionKey
func New(eventType, partitionKey string, at time.Time, data map[string]string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		OccurredAt:   at.UTC(),
		PartitionKey: partitionKey,
		Data:         data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emit publishes event and logs a failure instead of returning it
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, event Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, event); err != nil {
		logger.WarnContext(ctx, "event publish failed",
			"operation", "emit",
			"outcome", "failure",
			"event_type", event.Type,
			"error", err,
		)
	}
}

// KafkaPublisher writes events as JSON to a topic per event type
type KafkaPublisher struct {
	writer       *kafka.Writer
	defaultTopic string
	topicByEvent map[string]string
}

func NewKafkaPublisher(brokers []string, defaultTopic string, topicByEvent map[string]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		defaultTopic: defaultTopic,
		topicByEvent: topicByEvent,
	}, nil
}

func (p *KafkaPublisher) topic(eventType string) string {
	if mapped, ok := p.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	if p.defaultTopic != "" {
		return p.defaultTopic
	}
	return eventType
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic(event.Type),
		Key:   []byte(event.PartitionKey),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the structured log; used when no broker is configured
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("module", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Security {
		level = slog.LevelWarn
	}
	attrs := []any{"event_id", event.ID, "event_type", event.Type, "security", event.Security}
	for k, v := range event.Data {
		attrs = append(attrs, k, v)
	}
	p.logger.Log(ctx, level, "audit event", attrs...)
	return nil
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of what has been published so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
