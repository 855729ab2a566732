package delivery

import "time"

// Outcome is the result of one delivery attempt.
type Outcome struct {
	SubscriptionID string        `json:"subscriptionId"`
	Consumer       string        `json:"consumer"`
	URL            string        `json:"url"`
	Delivered      bool          `json:"delivered"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"-"`
}

// Unresolved records a matched subscription that was skipped because its
// destination URL could not be built.
type Unresolved struct {
	SubscriptionID string `json:"subscriptionId"`
	Consumer       string `json:"consumer"`
	Reason         string `json:"reason"`
}

// Result aggregates one publish. Outcomes holds one entry per attempted
// destination, keyed by subscription.
type Result struct {
	Outcomes   []Outcome    `json:"deliveries"`
	Unresolved []Unresolved `json:"unresolved"`
}

// ByURL collapses outcomes to one flag per destination URL.
// A URL shared by several subscriptions is true only if every attempt to it succeeded.
func (r Result) ByURL() map[string]bool {
	out := make(map[string]bool, len(r.Outcomes))
	for _, o := range r.Outcomes {
		prev, seen := out[o.URL]
		out[o.URL] = o.Delivered && (!seen || prev)
	}
	return out
}

// Failed returns the number of attempts that did not deliver.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Delivered {
			n++
		}
	}
	return n
}
