// Package report publishes delivery reports to Kafka.
//
// Each completed publish produces one JSON message keyed by event type, so
// reports for the same type land on the same partition in order.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/delivery"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
)

// Report is the message body written per publish.
type Report struct {
	EventType  string                `json:"eventType"`
	Source     string                `json:"source"`
	Timestamp  time.Time             `json:"timestamp"`
	ReportedAt time.Time             `json:"reportedAt"`
	Matched    int                   `json:"matched"`
	Failed     int                   `json:"failed"`
	Deliveries []Delivery            `json:"deliveries"`
	Unresolved []delivery.Unresolved `json:"unresolved"`
}

// Delivery is one attempt as recorded in a Report.
type Delivery struct {
	delivery.Outcome
	DurationMs float64 `json:"durationMs"`
}

// New builds the report for one publish.
func New(evt event.Event, res delivery.Result, now time.Time) Report {
	deliveries := make([]Delivery, len(res.Outcomes))
	for i, o := range res.Outcomes {
		deliveries[i] = Delivery{
			Outcome:    o,
			DurationMs: float64(o.Duration.Microseconds()) / 1000,
		}
	}
	unresolved := res.Unresolved
	if unresolved == nil {
		unresolved = []delivery.Unresolved{}
	}
	return Report{
		EventType:  evt.Type,
		Source:     evt.Source,
		Timestamp:  evt.Timestamp,
		ReportedAt: now.UTC(),
		Matched:    len(res.Outcomes) + len(res.Unresolved),
		Failed:     res.Failed(),
		Deliveries: deliveries,
		Unresolved: unresolved,
	}
}

// MessageWriter is the subset of *kafka.Writer the reporter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the Kafka destination.
type Config struct {
	Brokers []string
	Topic   string
}

// KafkaReporter writes reports to a Kafka topic.
type KafkaReporter struct {
	writer MessageWriter
	now    func() time.Time
}

var _ delivery.Reporter = (*KafkaReporter)(nil)

// NewKafkaReporter creates a reporter writing synchronously to cfg.Topic.
func NewKafkaReporter(cfg Config) *KafkaReporter {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return NewReporter(w)
}

// NewReporter wraps an existing writer.
func NewReporter(w MessageWriter) *KafkaReporter {
	return &KafkaReporter{writer: w, now: time.Now}
}

// Report implements delivery.Reporter.
func (r *KafkaReporter) Report(ctx context.Context, evt event.Event, res delivery.Result) error {
	value, err := json.Marshal(New(evt, res, r.now()))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}
