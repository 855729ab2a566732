package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
}

// WriteProblem writes a problem+json response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}

// writeError maps an operation error onto a problem response.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case eherrors.IsValidation(err):
		var fe eherrors.FieldErrors
		var byField map[string][]string
		if errors.As(err, &fe) {
			byField = fe.ByField()
		}
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", byField)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		WriteProblem(w, http.StatusServiceUnavailable, "canceled", "request canceled", nil)
	case errors.Is(err, context.DeadlineExceeded), eherrors.KindOf(err) == eherrors.KindTimeout:
		logger.Warn("request timed out", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		WriteProblem(w, http.StatusGatewayTimeout, "timeout", "operation timed out", nil)
	case eherrors.IsStoreFailure(err):
		logger.Error("store failure", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		WriteProblem(w, http.StatusInternalServerError, "store unavailable", "subscription store failed", nil)
	default:
		logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		WriteProblem(w, http.StatusInternalServerError, "internal error", "", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
