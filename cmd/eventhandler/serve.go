package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/config"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/delivery"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/observability"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/report"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/memory"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/postgres"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store/sqlite"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/subscription"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/transport/httpapi"
)

const shutdownTimeout = 15 * time.Second

func run(ctx context.Context, logger *slog.Logger, settings config.Settings) error {
	logger.Info("starting eventhandler",
		"version", version,
		"store", settings.Store.Driver,
		"addr", settings.HTTP.Addr,
	)

	st, err := openStore(ctx, settings.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := observability.NewMetricsRecorder()
	spans := observability.NewSpanManager()

	coordOpts := []delivery.Option{
		delivery.WithAttemptTimeout(settings.Delivery.AttemptTimeout),
		delivery.WithMaxConcurrency(settings.Delivery.MaxConcurrency),
		delivery.WithLogger(logger),
		delivery.WithMetrics(metrics),
		delivery.WithSpanManager(spans),
	}
	if len(settings.Kafka.Brokers) > 0 {
		reporter := report.NewKafkaReporter(report.Config{
			Brokers: settings.Kafka.Brokers,
			Topic:   settings.Kafka.ReportTopic,
		})
		defer func() {
			if err := reporter.Close(); err != nil {
				logger.Warn("close kafka reporter", "error", err)
			}
		}()
		coordOpts = append(coordOpts, delivery.WithReporter(reporter))
		logger.Info("delivery reports enabled", "topic", settings.Kafka.ReportTopic)
	}

	sender := delivery.NewHTTPSender(delivery.NewHTTPClient(settings.Delivery.InsecureSkipVerify))
	coord := delivery.NewCoordinator(st, sender, coordOpts...)
	reg := subscription.NewRegistrar(st,
		subscription.WithLogger(logger),
		subscription.WithMetrics(metrics),
	)

	serverOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithMaxBodyBytes(settings.HTTP.MaxBodyBytes),
	}
	if settings.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.Redis.Addr})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// The middleware fails open, so an unreachable Redis only disables replay.
			logger.Warn("redis not reachable; idempotency degraded", "addr", settings.Redis.Addr, "error", err)
		}
		cancel()

		serverOpts = append(serverOpts,
			httpapi.WithIdempotency(httpapi.NewRedisIdempotency(client), settings.Redis.IdempotencyTTL))
		logger.Info("publish idempotency enabled", "addr", settings.Redis.Addr)
	}

	srv := &http.Server{
		Addr:              settings.HTTP.Addr,
		Handler:           httpapi.NewServer(reg, coord, st, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, logger, srv)
}

// serve runs srv until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, logger *slog.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, s config.StoreSettings) (store.Store, error) {
	switch s.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverSQLite:
		st, err := sqlite.NewStore(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, s.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", s.Driver)
	}
}
