// Package filter decides which subscriptions an event should be delivered to.
//
// Every predicate is a pure function of the event and one subscription. A
// subscription matches only when all predicates hold. Candidates are expected
// to be pre-narrowed by event type at the store; Match still checks the type
// so a wider candidate set can never produce an unsound result.
package filter

import (
	"maps"
	"slices"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// Predicate names reported by Explain.
const (
	ReasonEventType = "event_type"
	ReasonSource    = "source"
	ReasonStartDate = "start_date"
	ReasonEndDate   = "end_date"
	ReasonMetadata  = "metadata"
)

type predicate struct {
	name string
	fn   func(event.Event, store.Subscription) bool
}

// Evaluation order matters only for Explain.
var predicates = []predicate{
	{ReasonEventType, TypeMatches},
	{ReasonSource, SourceAllowed},
	{ReasonStartDate, AfterStart},
	{ReasonEndDate, BeforeEnd},
	{ReasonMetadata, MetadataMatches},
}

// Match returns the candidates that accept evt, preserving their order.
// The candidate slice is not modified. An empty result is normal.
func Match(evt event.Event, candidates []store.Subscription) []store.Subscription {
	matched := make([]store.Subscription, 0, len(candidates))
	for _, sub := range candidates {
		if Explain(evt, sub) == "" {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Explain returns the name of the first predicate sub fails for evt,
// or "" if sub accepts evt.
func Explain(evt event.Event, sub store.Subscription) string {
	for _, p := range predicates {
		if !p.fn(evt, sub) {
			return p.name
		}
	}
	return ""
}

// TypeMatches reports whether sub is for the event's type.
func TypeMatches(evt event.Event, sub store.Subscription) bool {
	return sub.EventType == evt.Type
}

// SourceAllowed reports whether the event's source passes the allow-list.
// An empty allow-list accepts any source.
func SourceAllowed(evt event.Event, sub store.Subscription) bool {
	return len(sub.Sources) == 0 || slices.Contains(sub.Sources, evt.Source)
}

// AfterStart reports whether the event is not earlier than the start date.
// The bound is inclusive.
func AfterStart(evt event.Event, sub store.Subscription) bool {
	return sub.StartDate == nil || !evt.Timestamp.Before(*sub.StartDate)
}

// BeforeEnd reports whether the event is not later than the end date.
// The bound is inclusive.
func BeforeEnd(evt event.Event, sub store.Subscription) bool {
	return sub.EndDate == nil || !evt.Timestamp.After(*sub.EndDate)
}

// MetadataMatches reports whether the event metadata equals the filter
// metadata when metadata matching is on. A nil map equals an empty one.
func MetadataMatches(evt event.Event, sub store.Subscription) bool {
	return !sub.MatchMetadata || maps.Equal(evt.Metadata, sub.FilterMetadata)
}
