package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/randalmurphal/eventhandler/pkg/eventhandler/delivery"
	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/store"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/subscription"
)

// PublishResponse is the body of a successful publish.
// Results maps each destination URL to whether every attempt to it succeeded.
type PublishResponse struct {
	Results    map[string]bool       `json:"results"`
	Deliveries []delivery.Outcome    `json:"deliveries"`
	Unresolved []delivery.Unresolved `json:"unresolved"`
}

// RegisterResponse is the body of a subscription registration.
type RegisterResponse struct {
	Status       subscription.RegisterStatus `json:"status"`
	Subscription store.Subscription          `json:"subscription"`
}

// DeleteResponse is the body of a delete that removed a subscription.
type DeleteResponse struct {
	Status subscription.DeleteStatus `json:"status"`
}

// ListResponse is the body of a subscription listing.
type ListResponse struct {
	Subscriptions []store.Subscription `json:"subscriptions"`
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeDecodeError answers a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteProblem(w, http.StatusRequestEntityTooLarge, "payload too large", err.Error(), nil)
		return
	}
	WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Banner))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err.Error())
			WriteProblem(w, http.StatusServiceUnavailable, "not ready", "subscription store not reachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	defer drainBody(r)

	var evt event.Event
	if err := decodeJSONStrict(r, &evt); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := evt.Validate(s.now(), s.clockSkew); err != nil {
		writeError(w, r, s.logger, eherrors.Validation("publish", err))
		return
	}

	res, err := s.coordinator.Publish(r.Context(), evt)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, PublishResponse{
		Results:    res.ByURL(),
		Deliveries: res.Outcomes,
		Unresolved: res.Unresolved,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer drainBody(r)

	var sub store.Subscription
	if err := decodeJSONStrict(r, &sub); err != nil {
		writeDecodeError(w, err)
		return
	}

	res, err := s.registrar.Register(r.Context(), sub)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	status := http.StatusOK
	if res.Status == subscription.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RegisterResponse{Status: res.Status, Subscription: res.Subscription})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	eventType := urlParam(r, "eventType")
	consumerName := urlParam(r, "consumerName")

	status, err := s.registrar.Delete(r.Context(), eventType, consumerName)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if status == subscription.NotFound {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Status: status})
}

// urlParam returns a decoded path parameter. chi matches on the raw path
// when the request carries escapes such as %2F.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if dec, err := url.PathUnescape(v); err == nil {
		return dec
	}
	return v
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := subscription.Query{
		EventType: r.URL.Query().Get("eventType"),
		Consumer:  r.URL.Query().Get("consumer"),
	}
	subs, err := s.registrar.List(r.Context(), q)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Subscriptions: subs})
}
