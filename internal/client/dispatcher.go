package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/roach88/eventsync/internal/engine"
	"github.com/roach88/eventsync/internal/ir"
)

// Dispatcher sends one event to the server-side processor and returns when
// the send completes. A non-nil error means the processor rejected the
// event with a reducer failure or the transport failed.
//
// Dropped events (stale, duplicate, failed sequence) are not errors.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev ir.Event) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, ev ir.Event) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, ev ir.Event) error {
	return f(ctx, ev)
}

// LocalDispatcher calls an in-process Processor directly.
type LocalDispatcher struct {
	processor *engine.Processor
	extra     engine.ExtraArgs
}

// NewLocalDispatcher returns a dispatcher that processes events on p with
// extra as the per-dispatch extra args.
func NewLocalDispatcher(p *engine.Processor, extra engine.ExtraArgs) *LocalDispatcher {
	return &LocalDispatcher{processor: p, extra: extra}
}

// Dispatch processes ev and returns the reducer error, if any.
func (d *LocalDispatcher) Dispatch(ctx context.Context, ev ir.Event) error {
	_, err := d.processor.Process(ctx, ev, d.extra)
	return err
}

// RemoteError is a non-2xx response from the event endpoint.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote dispatch failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote dispatch failed: %d: %s", e.StatusCode, e.Message)
}

// IsRemoteError returns true if the error is a RemoteError.
// Uses errors.As to handle wrapped errors.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// HTTPDispatcher posts events to a server's /event endpoint.
type HTTPDispatcher struct {
	endpoint string
	http     *http.Client
	token    string
}

// HTTPOption configures an HTTPDispatcher.
type HTTPOption func(*HTTPDispatcher)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.http = c
	}
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.token = token
	}
}

// NewHTTPDispatcher returns a dispatcher for the server at baseURL
// (e.g. "http://localhost:8080").
func NewHTTPDispatcher(baseURL string, opts ...HTTPOption) *HTTPDispatcher {
	d := &HTTPDispatcher{
		endpoint: strings.TrimRight(baseURL, "/") + "/event",
		http:     http.DefaultClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type eventRequest struct {
	Event ir.Event `json:"event"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Dispatch sends ev and waits for the server to finish processing it.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, ev ir.Event) error {
	body, err := json.Marshal(eventRequest{Event: ev})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	rerr := &RemoteError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		rerr.Message = payload.Error
	} else {
		rerr.Message = strings.TrimSpace(string(raw))
	}
	return rerr
}
