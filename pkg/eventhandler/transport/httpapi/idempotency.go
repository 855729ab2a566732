package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// ReplayHeader is set on responses served from the idempotency store.
const ReplayHeader = "Idempotent-Replayed"

// processingLease bounds how long an in-flight key blocks retries if the
// process dies before completing it.
const processingLease = time.Minute

// ErrInFlight reports that another request holds the key.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// IdempotencyStore remembers responses by key.
type IdempotencyStore interface {
	// Acquire claims key for lease. It returns the stored response when
	// key already completed, ErrInFlight when another request holds it,
	// and (nil, nil) when the claim succeeded.
	Acquire(ctx context.Context, key string, lease time.Duration) (*StoredResponse, error)

	// Complete stores resp under key for ttl, ending the claim.
	Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error

	// Release drops the claim so the request may be retried.
	Release(ctx context.Context, key string) error
}

// StoredResponse is a response kept for replay.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// RedisIdempotency implements IdempotencyStore on Redis.
// An in-flight key holds the literal value PROCESSING; a completed key holds
// the JSON-encoded response.
type RedisIdempotency struct {
	client redis.Cmdable
	prefix string
}

const redisProcessing = "PROCESSING"

// NewRedisIdempotency stores keys under "eventhandler:idempotency:".
func NewRedisIdempotency(client redis.Cmdable) *RedisIdempotency {
	return &RedisIdempotency{client: client, prefix: "eventhandler:idempotency:"}
}

// Acquire implements IdempotencyStore.
func (s *RedisIdempotency) Acquire(ctx context.Context, key string, lease time.Duration) (*StoredResponse, error) {
	k := s.prefix + key
	ok, err := s.client.SetNX(ctx, k, redisProcessing, lease).Result()
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the caller may retry.
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, err
	}
	if val == redisProcessing {
		return nil, ErrInFlight
	}

	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete implements IdempotencyStore.
func (s *RedisIdempotency) Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

// Release implements IdempotencyStore.
func (s *RedisIdempotency) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// idempotency replays the first response for a repeated Idempotency-Key.
// Requests without the header pass through. Store errors fail open.
// Server errors release the key so the client can retry.
func idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger, m *httpMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			stored, err := store.Acquire(ctx, key, min(processingLease, ttl))
			switch {
			case errors.Is(err, ErrInFlight):
				WriteProblem(w, http.StatusConflict, "concurrent request", err.Error(), nil)
				return
			case err != nil:
				logger.Warn("idempotency store unavailable", slog.String("key", key), slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			case stored != nil:
				m.replays.Inc()
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			var body bytes.Buffer
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			bg := context.WithoutCancel(ctx)
			if status >= http.StatusInternalServerError {
				if err := store.Release(bg, key); err != nil {
					logger.Warn("idempotency release failed", slog.String("key", key), slog.String("error", err.Error()))
				}
				return
			}
			resp := StoredResponse{
				Status:      status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        body.Bytes(),
			}
			if err := store.Complete(bg, key, resp, ttl); err != nil {
				logger.Warn("idempotency complete failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
}
