package filter_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/filter"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

var ts = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := ts.Add(d)
	return &t
}

func sub(consumer string, mods ...func(*store.Subscription)) store.Subscription {
	s := store.Subscription{
		ID:        "sub-" + consumer,
		EventType: "TempAlert",
		Consumer:  store.Consumer{SystemName: consumer},
		NotifyURI: "notify",
		Port:      8080,
	}
	for _, m := range mods {
		m(&s)
	}
	return s
}

func TestPredicates(t *testing.T) {
	evt := event.New("TempAlert", "SensorX",
		event.WithTimestamp(ts),
		event.WithMetadata(map[string]string{"unit": "celsius"}),
	)

	tests := []struct {
		name   string
		sub    store.Subscription
		reason string
	}{
		{"no criteria", sub("A"), ""},
		{"other type", sub("A", func(s *store.Subscription) { s.EventType = "Pressure" }), filter.ReasonEventType},
		{"source listed", sub("A", func(s *store.Subscription) { s.Sources = []string{"SensorY", "SensorX"} }), ""},
		{"source not listed", sub("A", func(s *store.Subscription) { s.Sources = []string{"SensorY"} }), filter.ReasonSource},
		{"start before", sub("A", func(s *store.Subscription) { s.StartDate = at(-time.Hour) }), ""},
		{"start equal", sub("A", func(s *store.Subscription) { s.StartDate = at(0) }), ""},
		{"start after", sub("A", func(s *store.Subscription) { s.StartDate = at(time.Second) }), filter.ReasonStartDate},
		{"end after", sub("A", func(s *store.Subscription) { s.EndDate = at(time.Hour) }), ""},
		{"end equal", sub("A", func(s *store.Subscription) { s.EndDate = at(0) }), ""},
		{"end before", sub("A", func(s *store.Subscription) { s.EndDate = at(-time.Second) }), filter.ReasonEndDate},
		{"metadata off ignores mismatch", sub("A", func(s *store.Subscription) {
			s.FilterMetadata = map[string]string{"unit": "kelvin"}
		}), ""},
		{"metadata equal", sub("A", func(s *store.Subscription) {
			s.MatchMetadata = true
			s.FilterMetadata = map[string]string{"unit": "celsius"}
		}), ""},
		{"metadata value differs", sub("A", func(s *store.Subscription) {
			s.MatchMetadata = true
			s.FilterMetadata = map[string]string{"unit": "kelvin"}
		}), filter.ReasonMetadata},
		{"metadata subset is not equal", sub("A", func(s *store.Subscription) {
			s.MatchMetadata = true
			s.FilterMetadata = map[string]string{}
		}), filter.ReasonMetadata},
		{"first failing predicate wins", sub("A", func(s *store.Subscription) {
			s.Sources = []string{"SensorY"}
			s.EndDate = at(-time.Hour)
		}), filter.ReasonSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reason, filter.Explain(evt, tt.sub))

			got := filter.Match(evt, []store.Subscription{tt.sub})
			if tt.reason == "" {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestMetadataMatches_NilEqualsEmpty(t *testing.T) {
	evt := event.New("TempAlert", "SensorX", event.WithTimestamp(ts))
	s := sub("A", func(s *store.Subscription) {
		s.MatchMetadata = true
		s.FilterMetadata = map[string]string{}
	})

	assert.True(t, filter.MetadataMatches(evt, s))
}

// Soundness and completeness over a grid of subscriptions: a subscription is
// returned exactly when every predicate holds, and nothing else is returned.
func TestMatch_SoundAndComplete(t *testing.T) {
	evt := event.New("TempAlert", "SensorX",
		event.WithTimestamp(ts),
		event.WithMetadata(map[string]string{"k": "v"}),
	)

	sourceSets := [][]string{nil, {"SensorX"}, {"SensorY"}}
	starts := []*time.Time{nil, at(-time.Minute), at(time.Minute)}
	ends := []*time.Time{nil, at(time.Minute), at(-time.Minute)}
	metas := []struct {
		on bool
		m  map[string]string
	}{{false, nil}, {true, map[string]string{"k": "v"}}, {true, map[string]string{"k": "x"}}}

	var candidates []store.Subscription
	want := map[string]bool{}
	i := 0
	for _, src := range sourceSets {
		for _, start := range starts {
			for _, end := range ends {
				for _, meta := range metas {
					s := store.Subscription{
						ID:             fmt.Sprintf("s%d", i),
						EventType:      "TempAlert",
						Sources:        src,
						StartDate:      start,
						EndDate:        end,
						MatchMetadata:  meta.on,
						FilterMetadata: meta.m,
					}
					i++
					candidates = append(candidates, s)
					if filter.SourceAllowed(evt, s) && filter.AfterStart(evt, s) &&
						filter.BeforeEnd(evt, s) && filter.MetadataMatches(evt, s) {
						want[s.ID] = true
					}
				}
			}
		}
	}

	got := filter.Match(evt, candidates)

	gotIDs := map[string]bool{}
	for _, s := range got {
		gotIDs[s.ID] = true
	}
	assert.Equal(t, want, gotIDs)
	// 2 sources * 2 starts * 2 ends * 2 metas pass.
	assert.Len(t, got, 16)
}

func TestMatch_DoesNotMutateInput(t *testing.T) {
	evt := event.New("TempAlert", "SensorY", event.WithTimestamp(ts))
	candidates := []store.Subscription{
		sub("A", func(s *store.Subscription) { s.Sources = []string{"SensorX"} }),
		sub("B"),
	}
	before := []store.Subscription{candidates[0].Clone(), candidates[1].Clone()}

	got := filter.Match(evt, candidates)

	require.Len(t, got, 1)
	assert.Equal(t, before, candidates)
}

func TestMatch_Empty(t *testing.T) {
	evt := event.New("TempAlert", "SensorX", event.WithTimestamp(ts))

	assert.Empty(t, filter.Match(evt, nil))
}

func TestMatch_TempAlertScenario(t *testing.T) {
	sysA := sub("SysA")
	sysB := sub("SysB", func(s *store.Subscription) { s.Sources = []string{"SensorX"} })
	evt := event.New("TempAlert", "SensorY", event.WithTimestamp(ts))

	got := filter.Match(evt, []store.Subscription{sysA, sysB})

	require.Len(t, got, 1)
	assert.Equal(t, "SysA", got[0].Consumer.SystemName)
	assert.Equal(t, filter.ReasonSource, filter.Explain(evt, sysB))
}
