// Package event defines the event record submitted for distribution.
//
// An Event is transient: it is validated at the API boundary, sanitized
// before matching, and forwarded verbatim (minus publisher-internal fields)
// to every matching subscriber.
package event

import (
	"encoding/json"
	"maps"
	"time"
)

// Event is a typed, timestamped notification submitted by a publisher.
type Event struct {
	// Type is the classification key used to select candidate subscriptions.
	Type string `json:"type"`

	// Source identifies the publishing system.
	Source string `json:"source"`

	// Timestamp is the logical publish time.
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds arbitrary key/value attributes.
	Metadata map[string]string `json:"eventMetadata,omitempty"`

	// Payload is the application body, forwarded verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	// DeliveryCompleteURI is a publisher-internal callback reference.
	// It is cleared by Sanitized and never forwarded to subscribers.
	DeliveryCompleteURI string `json:"deliveryCompleteUri,omitempty"`
}

// Option configures event creation.
type Option func(*Event)

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithMetadata sets the metadata attributes. The map is copied.
func WithMetadata(md map[string]string) Option {
	return func(e *Event) {
		e.Metadata = maps.Clone(md)
	}
}

// WithPayload sets the raw payload.
func WithPayload(payload json.RawMessage) Option {
	return func(e *Event) {
		e.Payload = payload
	}
}

// WithDeliveryCompleteURI sets the publisher callback reference.
func WithDeliveryCompleteURI(uri string) Option {
	return func(e *Event) {
		e.DeliveryCompleteURI = uri
	}
}

// New creates an event of the given type from the given source.
func New(eventType, source string, opts ...Option) Event {
	evt := Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}

// Sanitized returns a copy safe to hand to the matcher and to subscribers.
// The delivery-completion reference is cleared, and metadata and payload
// are copied so concurrent deliveries never share mutable state with the caller.
func (e Event) Sanitized() Event {
	out := e
	out.DeliveryCompleteURI = ""
	out.Metadata = maps.Clone(e.Metadata)
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}
