package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used for trigger events.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that keys messages by alert id so one rule's events stay ordered.
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
		BatchTimeout: 10 * time.Millisecond,
	}
}

type triggerMessage struct {
	EventID        int64     `json:"event_id"`
	AlertID        int64     `json:"alert_id"`
	UserID         string    `json:"user_id"`
	Instrument     string    `json:"metal_type"`
	Condition      string    `json:"condition"`
	Currency       string    `json:"currency"`
	TargetPrice    string    `json:"target_price"`
	TriggeredPrice string    `json:"triggered_price"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Source         string    `json:"source,omitempty"`
}

// KafkaNotifier publishes each trigger as a JSON message.
type KafkaNotifier struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewKafkaNotifier wraps a message writer.
func NewKafkaNotifier(writer MessageWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

// Notify writes one message for the trigger.
func (n *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(triggerMessage{
		EventID:        note.EventID,
		AlertID:        note.AlertID,
		UserID:         note.UserID,
		Instrument:     string(note.Instrument),
		Condition:      string(note.Condition),
		Currency:       string(note.Currency),
		TargetPrice:    note.TargetPrice.String(),
		TriggeredPrice: note.TriggeredPrice.String(),
		TriggeredAt:    note.TriggeredAt.UTC(),
		Source:         note.Source,
	})
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(note.AlertID, 10)),
		Value: payload,
		Time:  note.TriggeredAt,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}

	n.logger.Debug().Int64("alert_id", note.AlertID).Int64("event_id", note.EventID).Msg("trigger event published")
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
