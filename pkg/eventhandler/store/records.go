package store

import (
	"maps"
	"slices"
	"time"
)

// Consumer is a system identity that owns subscriptions and receives deliveries.
// SystemName is the unique key.
type Consumer struct {
	ID                 string `json:"id,omitempty"`
	SystemName         string `json:"systemName"`
	Address            string `json:"address"`
	Port               int    `json:"port"`
	AuthenticationInfo string `json:"authenticationInfo,omitempty"`
}

// Secure reports whether deliveries to this consumer use TLS.
func (c Consumer) Secure() bool {
	return c.AuthenticationInfo != ""
}

// Subscription is a consumer's standing request to receive events of one type.
type Subscription struct {
	ID             string            `json:"id,omitempty"`
	EventType      string            `json:"eventType"`
	Consumer       Consumer          `json:"consumer"`
	Sources        []string          `json:"sources,omitempty"`
	StartDate      *time.Time        `json:"startDate,omitempty"`
	EndDate        *time.Time        `json:"endDate,omitempty"`
	MatchMetadata  bool              `json:"matchMetadata"`
	FilterMetadata map[string]string `json:"filterMetadata,omitempty"`
	NotifyURI      string            `json:"notifyUri"`
	Port           int               `json:"port"`
	CreatedAt      time.Time         `json:"createdAt,omitzero"`
}

// Clone returns a deep copy so stored records never alias caller memory.
func (s Subscription) Clone() Subscription {
	out := s
	out.Sources = slices.Clone(s.Sources)
	out.FilterMetadata = maps.Clone(s.FilterMetadata)
	if s.StartDate != nil {
		t := *s.StartDate
		out.StartDate = &t
	}
	if s.EndDate != nil {
		t := *s.EndDate
		out.EndDate = &t
	}
	return out
}

// ConsumerCriteria selects consumers by exact match. Zero fields are ignored.
// Criteria are plain values built per call.
type ConsumerCriteria struct {
	ID         string
	SystemName string
}

// Matches reports whether c satisfies the criteria.
func (cc ConsumerCriteria) Matches(c Consumer) bool {
	if cc.ID != "" && c.ID != cc.ID {
		return false
	}
	if cc.SystemName != "" && c.SystemName != cc.SystemName {
		return false
	}
	return true
}

// SubscriptionCriteria selects subscriptions by exact match. Zero fields are ignored.
type SubscriptionCriteria struct {
	ID         string
	EventType  string
	ConsumerID string
}

// Matches reports whether s satisfies the criteria.
func (sc SubscriptionCriteria) Matches(s Subscription) bool {
	if sc.ID != "" && s.ID != sc.ID {
		return false
	}
	if sc.EventType != "" && s.EventType != sc.EventType {
		return false
	}
	if sc.ConsumerID != "" && s.Consumer.ID != sc.ConsumerID {
		return false
	}
	return true
}
