// Package delivery fans published events out to matching subscribers.
//
// A Coordinator narrows the subscription set by event type at the store,
// applies the filter predicates, resolves one URL per match, and sends one
// notification attempt per destination over a bounded worker pool. A failing
// destination never affects its siblings: every attempt lands in its own slot
// of the result. Only a store failure fails the publish.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/filter"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/observability"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
)

// Defaults for coordinator options.
const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultMaxConcurrency = 16
)

// Reporter receives the result of every completed publish.
// Report errors are logged and never fail the publish.
type Reporter interface {
	Report(ctx context.Context, evt event.Event, res Result) error
}

// Coordinator distributes events to subscribers.
type Coordinator struct {
	store          store.Store
	sender         Sender
	attemptTimeout time.Duration
	maxConcurrency int
	reporter       Reporter
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAttemptTimeout bounds each delivery attempt. Non-positive values keep the default.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.attemptTimeout = d
		}
	}
}

// WithMaxConcurrency bounds concurrent attempts per publish. Non-positive values keep the default.
func WithMaxConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// WithReporter sets a sink for publish results.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) {
		c.reporter = r
	}
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics sets the metrics recorder. Default is a no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithSpanManager sets the tracer. Default is a no-op.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *Coordinator) {
		c.spans = s
	}
}

// NewCoordinator creates a Coordinator reading subscriptions from s and delivering with sender.
func NewCoordinator(s store.Store, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:          s,
		sender:         sender,
		attemptTimeout: DefaultAttemptTimeout,
		maxConcurrency: DefaultMaxConcurrency,
		metrics:        observability.NoopMetrics{},
		spans:          observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.DefaultLogger(c.logger).With("component", "delivery")
	return c
}

// target is one resolved destination.
type target struct {
	sub store.Subscription
	url string
}

// Publish delivers evt to every matching subscriber and waits for all attempts.
// The returned error is non-nil only when the subscription set cannot be read.
func (c *Coordinator) Publish(ctx context.Context, evt event.Event) (Result, error) {
	done := observability.TimedOperation()
	start := time.Now()

	evt = evt.Sanitized()
	logger := observability.EnrichLogger(c.logger, evt.Type, evt.Source)

	ctx, span := c.spans.StartPublishSpan(ctx, evt.Type, evt.Source)

	candidates, err := c.store.FindSubscriptions(ctx, store.SubscriptionCriteria{EventType: evt.Type})
	if err != nil {
		err = eherrors.Store("publish "+evt.Type, err)
		observability.LogPublishError(logger, err)
		c.spans.EndSpanWithError(span, err)
		return Result{}, err
	}
	observability.LogPublishStart(logger, len(candidates))

	matched := filter.Match(evt, candidates)
	if logger.Enabled(ctx, slog.LevelDebug) && len(matched) < len(candidates) {
		for _, sub := range candidates {
			if reason := filter.Explain(evt, sub); reason != "" {
				observability.LogCandidateDropped(logger, sub.ID, sub.Consumer.SystemName, reason)
			}
		}
	}

	targets := make([]target, 0, len(matched))
	res := Result{Unresolved: make([]Unresolved, 0)}
	for _, sub := range matched {
		u, err := ResolveURL(sub)
		if err != nil {
			observability.LogUnresolved(logger, sub.ID, sub.Consumer.SystemName, err.Error())
			res.Unresolved = append(res.Unresolved, Unresolved{
				SubscriptionID: sub.ID,
				Consumer:       sub.Consumer.SystemName,
				Reason:         err.Error(),
			})
			continue
		}
		targets = append(targets, target{sub: sub, url: u})
	}
	c.spans.AddSpanEvent(ctx, "matched",
		attribute.Int("candidates", len(candidates)),
		attribute.Int("targets", len(targets)),
		attribute.Int("unresolved", len(res.Unresolved)),
	)

	res.Outcomes = c.dispatch(ctx, logger, evt, targets)

	failed := res.Failed()
	c.metrics.RecordPublish(ctx, evt.Type, len(matched), failed, time.Since(start))
	observability.LogPublishComplete(logger, done(), len(matched), failed, len(res.Unresolved))
	c.spans.EndSpanWithError(span, nil)

	if c.reporter != nil {
		if err := c.reporter.Report(ctx, evt, res); err != nil {
			logger.Warn("delivery report failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// dispatch runs one attempt per target on a bounded pool.
// Each attempt writes only its own slot.
func (c *Coordinator) dispatch(ctx context.Context, logger *slog.Logger, evt event.Event, targets []target) []Outcome {
	outcomes := make([]Outcome, len(targets))
	if len(targets) == 0 {
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(c.maxConcurrency)
	for i, tg := range targets {
		g.Go(func() error {
			outcomes[i] = c.attempt(ctx, logger, evt.Sanitized(), tg)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// attempt sends once and waits at most attemptTimeout, even if the sender ignores ctx.
func (c *Coordinator) attempt(ctx context.Context, logger *slog.Logger, evt event.Event, tg target) Outcome {
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	actx, span := c.spans.StartDeliverSpan(actx, tg.url, tg.sub.ID)

	result := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- fmt.Errorf("sender panic: %v", p)
			}
		}()
		result <- c.sender.Send(actx, tg.url, evt)
	}()

	var err error
	select {
	case err = <-result:
	case <-actx.Done():
		err = actx.Err()
	}

	// A deadline hit by this attempt alone is a timeout; a canceled parent is not.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &eherrors.TimeoutError{Operation: "deliver to " + tg.url, Duration: c.attemptTimeout}
	}

	elapsed := time.Since(start)
	out := Outcome{
		SubscriptionID: tg.sub.ID,
		Consumer:       tg.sub.Consumer.SystemName,
		URL:            tg.url,
		Delivered:      err == nil,
		Duration:       elapsed,
	}
	if err != nil {
		out.Error = err.Error()
		observability.LogDeliveryError(logger, tg.url, out.Consumer, err)
	}

	c.metrics.RecordDelivery(ctx, evt.Type, out.Delivered, elapsed)
	c.spans.EndSpanWithError(span, err)
	return out
}
