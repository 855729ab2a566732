package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/delivery"
	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/memory"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/subscription"
)

// register stores a subscription for consumer pointing at host:port/notify.
func register(t *testing.T, s store.Store, eventType, consumer, host string, port int, mods ...func(*store.Subscription)) {
	t.Helper()
	sub := store.Subscription{
		EventType: eventType,
		Consumer:  store.Consumer{SystemName: consumer, Address: host, Port: port},
		NotifyURI: "notify/" + consumer,
		Port:      port,
	}
	for _, m := range mods {
		m(&sub)
	}
	res, err := subscription.NewRegistrar(s).Register(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, subscription.Created, res.Status)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// recordingSender records every call and fails URLs listed in fail.
type recordingSender struct {
	mu    sync.Mutex
	calls map[string]int
	seen  []event.Event
	fail  map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{calls: map[string]int{}, fail: map[string]bool{}}
}

func (r *recordingSender) Send(_ context.Context, dest string, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[dest]++
	r.seen = append(r.seen, evt)
	if r.fail[dest] {
		return errors.New("connection refused")
	}
	return nil
}

func TestPublish_Isolation(t *testing.T) {
	s := memory.NewStore()
	const n, k = 10, 4

	sender := newRecordingSender()
	for i := range n {
		name := fmt.Sprintf("Sys%d", i)
		register(t, s, "TempAlert", name, "10.0.0.1", 8000+i)
		if i < k {
			sender.fail[fmt.Sprintf("http://10.0.0.1:%d/notify/%s", 8000+i, name)] = true
		}
	}

	c := delivery.NewCoordinator(s, sender, delivery.WithMaxConcurrency(3))
	res, err := c.Publish(context.Background(), event.New("TempAlert", "SensorX"))

	require.NoError(t, err)
	require.Len(t, res.Outcomes, n)
	assert.Equal(t, k, res.Failed())

	byURL := res.ByURL()
	assert.Len(t, byURL, n)
	for dest, ok := range byURL {
		assert.Equal(t, !sender.fail[dest], ok, dest)
	}
	for dest, count := range sender.calls {
		assert.Equal(t, 1, count, "exactly one attempt per destination: %s", dest)
	}
	for _, o := range res.Outcomes {
		assert.NotEmpty(t, o.SubscriptionID)
		if !o.Delivered {
			assert.Equal(t, "connection refused", o.Error)
		}
	}
}

func TestPublish_NoMatches(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "Pressure", "SysA", "h", 80)

	sender := newRecordingSender()
	res, err := delivery.NewCoordinator(s, sender).Publish(context.Background(), event.New("TempAlert", "SensorX"))

	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Empty(t, res.ByURL())
	assert.Empty(t, sender.calls)
}

func TestPublish_Sanitizes(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "SysA", "h", 80)
	register(t, s, "TempAlert", "SysB", "h", 81)

	sender := newRecordingSender()
	evt := event.New("TempAlert", "SensorX",
		event.WithMetadata(map[string]string{"unit": "celsius"}),
		event.WithDeliveryCompleteURI("http://publisher/callback"),
	)

	_, err := delivery.NewCoordinator(s, sender).Publish(context.Background(), evt)
	require.NoError(t, err)

	require.Len(t, sender.seen, 2)
	for _, got := range sender.seen {
		assert.Empty(t, got.DeliveryCompleteURI)
		assert.Equal(t, "celsius", got.Metadata["unit"])
	}
	// Each attempt gets its own copy.
	sender.seen[0].Metadata["unit"] = "mutated"
	assert.Equal(t, "celsius", sender.seen[1].Metadata["unit"])
	// The caller's event is untouched.
	assert.Equal(t, "http://publisher/callback", evt.DeliveryCompleteURI)
}

func TestPublish_ForwardedBodyOmitsDeliveryCompleteURI(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string][]byte{}
	capture := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			mu.Lock()
			bodies[name+" "+r.URL.Path] = b
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}))
	}
	srvA, srvB := capture("A"), capture("B")
	defer srvA.Close()
	defer srvB.Close()

	s := memory.NewStore()
	hostA, portA := hostPort(t, srvA.URL)
	hostB, portB := hostPort(t, srvB.URL)
	register(t, s, "TempAlert", "SysA", hostA, portA)
	register(t, s, "TempAlert", "SysB", hostB, portB)

	evt := event.New("TempAlert", "SensorX",
		event.WithPayload(json.RawMessage(`{"celsius":41}`)),
		event.WithDeliveryCompleteURI("http://publisher/callback"),
	)
	res, err := delivery.NewCoordinator(s, delivery.NewHTTPSender(nil)).Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies, "A /notify/SysA")
	assert.Contains(t, bodies, "B /notify/SysB")
	for dest, raw := range bodies {
		assert.NotContains(t, string(raw), "deliveryCompleteUri", dest)
		assert.NotContains(t, string(raw), "publisher/callback", dest)

		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got), dest)
		assert.Equal(t, "TempAlert", got["type"])
		assert.Equal(t, map[string]any{"celsius": float64(41)}, got["payload"])
	}
}

func TestPublish_AttemptTimeoutWithUncooperativeSender(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "Slow", "h", 80)
	register(t, s, "TempAlert", "Fast", "h", 81)

	release := make(chan struct{})
	defer close(release)

	sender := delivery.SenderFunc(func(_ context.Context, dest string, _ event.Event) error {
		if dest == "http://h:80/notify/Slow" {
			<-release // ignores ctx
		}
		return nil
	})

	c := delivery.NewCoordinator(s, sender, delivery.WithAttemptTimeout(30*time.Millisecond))

	start := time.Now()
	res, err := c.Publish(context.Background(), event.New("TempAlert", "SensorX"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*time.Second, "publish must not wait for a hung sender")

	byURL := res.ByURL()
	assert.False(t, byURL["http://h:80/notify/Slow"])
	assert.True(t, byURL["http://h:81/notify/Fast"])

	for _, o := range res.Outcomes {
		if o.Consumer == "Slow" {
			assert.Contains(t, o.Error, "timeout after")
		}
	}
}

func TestPublish_TimeoutIsTypedError(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "SysA", "h", 80)

	sender := delivery.SenderFunc(func(ctx context.Context, _ string, _ event.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	c := delivery.NewCoordinator(s, sender, delivery.WithAttemptTimeout(10*time.Millisecond))
	res, err := c.Publish(context.Background(), event.New("TempAlert", "SensorX"))

	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.False(t, res.Outcomes[0].Delivered)
	timeout := &eherrors.TimeoutError{Operation: "deliver to http://h:80/notify/SysA", Duration: 10 * time.Millisecond}
	assert.Equal(t, timeout.Error(), res.Outcomes[0].Error)
}

func TestPublish_SenderPanicIsIsolated(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "Bad", "h", 80)
	register(t, s, "TempAlert", "Good", "h", 81)

	sender := delivery.SenderFunc(func(_ context.Context, dest string, _ event.Event) error {
		if dest == "http://h:80/notify/Bad" {
			panic("boom")
		}
		return nil
	})

	res, err := delivery.NewCoordinator(s, sender).Publish(context.Background(), event.New("TempAlert", "S"))

	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"http://h:80/notify/Bad":  false,
		"http://h:81/notify/Good": true,
	}, res.ByURL())
}

func TestPublish_UnresolvedSkipped(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "SysA", "h", 80)

	// Insert a subscription whose consumer address cannot form a URL, bypassing validation.
	ctx := context.Background()
	cons, err := s.InsertConsumer(ctx, store.Consumer{SystemName: "Broken", Address: "bad host", Port: 1})
	require.NoError(t, err)
	_, err = s.InsertSubscription(ctx, store.Subscription{
		EventType: "TempAlert", Consumer: cons, NotifyURI: "n", Port: 80,
	})
	require.NoError(t, err)

	sender := newRecordingSender()
	res, err := delivery.NewCoordinator(s, sender).Publish(ctx, event.New("TempAlert", "S"))

	require.NoError(t, err)
	assert.Len(t, res.Outcomes, 1)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, "Broken", res.Unresolved[0].Consumer)
	assert.Contains(t, res.Unresolved[0].Reason, "malformed")
	assert.Len(t, sender.calls, 1)
}

func TestPublish_DuplicateURLsKeyedBySubscription(t *testing.T) {
	s := memory.NewStore()
	// Two consumers share one endpoint.
	shared := func(sub *store.Subscription) { sub.NotifyURI = "shared" }
	register(t, s, "TempAlert", "SysA", "h", 80, shared)
	register(t, s, "TempAlert", "SysB", "h", 80, shared)

	var calls atomic.Int32
	sender := delivery.SenderFunc(func(context.Context, string, event.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})

	res, err := delivery.NewCoordinator(s, sender).Publish(context.Background(), event.New("TempAlert", "S"))

	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.NotEqual(t, res.Outcomes[0].SubscriptionID, res.Outcomes[1].SubscriptionID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, map[string]bool{"http://h:80/shared": false}, res.ByURL())
}

type brokenStore struct {
	store.Store
}

func (brokenStore) FindSubscriptions(context.Context, store.SubscriptionCriteria) ([]store.Subscription, error) {
	return nil, errors.New("database unavailable")
}

func TestPublish_StoreFailure(t *testing.T) {
	sender := newRecordingSender()
	c := delivery.NewCoordinator(brokenStore{memory.NewStore()}, sender)

	_, err := c.Publish(context.Background(), event.New("TempAlert", "S"))

	require.Error(t, err)
	assert.True(t, eherrors.IsStoreFailure(err))
	assert.Empty(t, sender.calls)
}

type captureReporter struct {
	mu  sync.Mutex
	got []delivery.Result
	err error
}

func (c *captureReporter) Report(_ context.Context, _ event.Event, res delivery.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, res)
	return c.err
}

func TestPublish_Reporter(t *testing.T) {
	s := memory.NewStore()
	register(t, s, "TempAlert", "SysA", "h", 80)

	rep := &captureReporter{err: errors.New("broker down")}
	c := delivery.NewCoordinator(s, newRecordingSender(), delivery.WithReporter(rep))

	res, err := c.Publish(context.Background(), event.New("TempAlert", "S"))

	require.NoError(t, err, "reporter failure must not fail the publish")
	require.Len(t, rep.got, 1)
	assert.Equal(t, res, rep.got[0])
}

func TestPublish_BoundedConcurrency(t *testing.T) {
	s := memory.NewStore()
	for i := range 12 {
		register(t, s, "TempAlert", fmt.Sprintf("Sys%d", i), "h", 1000+i)
	}

	var inFlight, peak atomic.Int32
	sender := delivery.SenderFunc(func(context.Context, string, event.Event) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	c := delivery.NewCoordinator(s, sender, delivery.WithMaxConcurrency(3))
	res, err := c.Publish(context.Background(), event.New("TempAlert", "S"))

	require.NoError(t, err)
	assert.Len(t, res.Outcomes, 12)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

// The end-to-end scenario: SysA accepts any source, SysB only SensorX.
// SensorY's event reaches SysA alone, and SysA being unreachable is a
// false entry rather than an error.
func TestPublish_TempAlertScenario(t *testing.T) {
	s := memory.NewStore()

	unreachable := httptest.NewServer(http.NotFoundHandler())
	aHost, aPort := hostPort(t, unreachable.URL)
	unreachable.Close()

	var bCalls atomic.Int32
	sysB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bCalls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer sysB.Close()
	bHost, bPort := hostPort(t, sysB.URL)

	register(t, s, "TempAlert", "SysA", aHost, aPort)
	register(t, s, "TempAlert", "SysB", bHost, bPort, func(sub *store.Subscription) {
		sub.Sources = []string{"SensorX"}
	})

	c := delivery.NewCoordinator(s, delivery.NewHTTPSender(nil), delivery.WithAttemptTimeout(2*time.Second))
	res, err := c.Publish(context.Background(), event.New("TempAlert", "SensorY",
		event.WithPayload(json.RawMessage(`{"celsius":41}`)),
	))

	require.NoError(t, err)
	urlA := fmt.Sprintf("http://%s/notify/SysA", net.JoinHostPort(aHost, strconv.Itoa(aPort)))
	assert.Equal(t, map[string]bool{urlA: false}, res.ByURL())
	assert.Equal(t, int32(0), bCalls.Load())
}
