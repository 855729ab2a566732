package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	eherrors "github.com/randalmurphal/eventhandler/pkg/eventhandler/errors"
	"github.com/randalmurphal/eventhandler/pkg/eventhandler/event"
)

// Sender performs one notification attempt.
// Implementations must honor ctx; the coordinator abandons attempts that outlive it.
type Sender interface {
	Send(ctx context.Context, url string, evt event.Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, url string, evt event.Event) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, url string, evt event.Event) error {
	return f(ctx, url, evt)
}

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// HTTPSender POSTs the event as JSON.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a sender using client, or http.DefaultClient when nil.
// Per-attempt deadlines come from the context, so the client needs no timeout.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSender{client: client}
}

// NewHTTPClient returns a client for notification traffic.
// insecureSkipVerify disables server certificate checks for https destinations.
func NewHTTPClient(insecureSkipVerify bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

// Send implements Sender. Any non-2xx status is an *eherrors.HTTPError.
func (s *HTTPSender) Send(ctx context.Context, url string, evt event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &eherrors.HTTPError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Endpoint:   url,
	}
}
