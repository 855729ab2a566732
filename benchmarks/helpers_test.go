package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/memory"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/sqlite"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/subscription"
)

// candidate builds the i-th subscription of a realistic mix: a third restrict
// sources, a third carry a date window, and every fifth matches metadata.
func candidate(i int, eventType string) store.Subscription {
	sub := store.Subscription{
		EventType: eventType,
		Consumer: store.Consumer{
			SystemName: fmt.Sprintf("sys-%04d", i),
			Address:    fmt.Sprintf("10.0.%d.%d", i/250, i%250+1),
			Port:       8080,
		},
		NotifyURI: "events",
		Port:      8080,
	}
	switch i % 3 {
	case 0:
		sub.Sources = []string{"SensorX", "SensorY"}
	case 1:
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(1, 0, 0)
		sub.StartDate, sub.EndDate = &start, &end
	}
	if i%5 == 0 {
		sub.MatchMetadata = true
		sub.FilterMetadata = map[string]string{"zone": "north"}
	}
	return sub
}

func candidates(n int, eventType string) []store.Subscription {
	out := make([]store.Subscription, n)
	for i := range n {
		out[i] = candidate(i, eventType)
	}
	return out
}

// populate registers n subscriptions of eventType through a Registrar.
func populate(b *testing.B, s store.Store, n int, eventType string) {
	b.Helper()
	reg := subscription.NewRegistrar(s)
	for i := range n {
		if _, err := reg.Register(context.Background(), candidate(i, eventType)); err != nil {
			b.Fatal(err)
		}
	}
}

func newSQLiteStore(b *testing.B) *sqlite.Store {
	b.Helper()
	s, err := sqlite.NewStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemoryStore(b *testing.B) *memory.Store {
	b.Helper()
	s := memory.NewStore()
	b.Cleanup(func() { _ = s.Close() })
	return s
}
