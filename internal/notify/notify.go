package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/shohag/statusmirror/internal/config"
	"github.com/shohag/statusmirror/internal/models"
)

// Outcome is the message published when an event reaches a terminal state.
type Outcome struct {
	EventID       string            `json:"event_id"`
	ExternalID    string            `json:"external_id"`
	Provider      string            `json:"provider"`
	MediaKind     models.MediaKind  `json:"media_kind"`
	State         models.EventState `json:"state"`
	Attempts      int               `json:"attempts"`
	ReceiptPostID string            `json:"receipt_post_id,omitempty"`
	ErrorKind     models.ErrorKind  `json:"error_kind,omitempty"`
	Error         string            `json:"error,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	At            time.Time         `json:"at"`
}

func NewOutcome(ev *models.Event) Outcome {
	o := Outcome{
		EventID:     ev.ID,
		ExternalID:  ev.ExternalID,
		Provider:    ev.Provider,
		MediaKind:   ev.MediaKind,
		State:       ev.State,
		Attempts:    ev.Attempts,
		DeliveredAt: ev.DeliveredAt,
		At:          ev.UpdatedAt,
	}
	if ev.State == models.StateDelivered {
		o.ReceiptPostID = ev.ReceiptPostID
	} else {
		o.ErrorKind = ev.LastErrorKind
		o.Error = ev.LastError
	}
	return o
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaNotifier publishes outcomes keyed by event id, so all messages for an
// event land on one partition.
type KafkaNotifier struct {
	writer MessageWriter
}

func New(cfg config.NotifyConfig) *KafkaNotifier {
	return NewWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
		Compression:  kafkago.Snappy,
		MaxAttempts:  5,
	})
}

func NewWithWriter(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev *models.Event) error {
	value, err := json.Marshal(NewOutcome(ev))
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.ID),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte("status." + string(ev.State))},
		},
	})
}

// Close flushes pending messages.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
