package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/transport"
)

const (
	// DefaultMarkerURL is the submit endpoint of a self-hosted Marker server.
	DefaultMarkerURL = "http://localhost:8000/marker"

	// MarkerLabel qualifies error messages from the local/free backend.
	MarkerLabel = "Marker server"
)

// MarkerTiming is the default polling budget for the local/free backend.
// Conversions there are CPU-bound and the server needs a moment after
// submission before its status endpoint knows the job, hence the initial
// delay and the generous attempt budget (~10 minutes).
var MarkerTiming = Timing{
	InitialDelay: 5 * time.Second,
	PollInterval: 3 * time.Second,
	MaxAttempts:  200,
}

// MarkerClient implements Backend against a self-hosted Marker server or
// the hosted free tier, both of which speak the same wire protocol.
type MarkerClient struct {
	submitURL        string
	apiKey           string
	client           *transport.Client
	timing           Timing
	tolerateNotFound bool
	allowCrossHost   bool
}

// Compile-time check that MarkerClient implements Backend.
var _ Backend = (*MarkerClient)(nil)

// NewMarkerClient creates a client for the local/free backend. An empty
// cfg.URL targets DefaultMarkerURL. TolerateNotFound defaults to on: the
// server registers jobs asynchronously and deletes them once a terminal
// status has been read, so a 404 from its status endpoint usually means
// "not yet", not "never".
func NewMarkerClient(cfg Config, hc *transport.Client) (*MarkerClient, error) {
	if hc == nil {
		hc = transport.New()
	}

	submitURL := cfg.URL
	if submitURL == "" {
		submitURL = DefaultMarkerURL
	}

	tolerate := true
	if cfg.TolerateNotFound != nil {
		tolerate = *cfg.TolerateNotFound
	}

	return &MarkerClient{
		submitURL:        submitURL,
		apiKey:           cfg.APIKey,
		client:           hc,
		timing:           mergeTiming(cfg.Timing, MarkerTiming),
		tolerateNotFound: tolerate,
		allowCrossHost:   cfg.AllowCrossHostPoll,
	}, nil
}

// Label returns the backend name used in error messages.
func (c *MarkerClient) Label() string {
	return MarkerLabel
}

// Timing returns the polling budget.
func (c *MarkerClient) Timing() Timing {
	return c.timing
}

// markerSubmitResponse is the submit payload the Marker server returns.
type markerSubmitResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	CheckURL  string `json:"request_check_url"`
	Error     string `json:"error"`
}

// markerStatusResponse is the status payload the Marker server returns.
type markerStatusResponse struct {
	Status   string `json:"status"`
	Markdown string `json:"markdown"`
	Error    string `json:"error"`
}

// Submit uploads the document and returns the polling receipt.
func (c *MarkerClient) Submit(ctx context.Context, doc document.Document, opts Options) (Receipt, error) {
	fields := opts.FormFields()
	if opts.UseLLM {
		key := opts.GeminiAPIKey
		if key == "" {
			key = c.apiKey
		}
		if key != "" {
			fields["api_key"] = key
		}
	}

	resp, err := c.client.PostMultipart(ctx, c.submitURL, fields, doc, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit to %s: %w", MarkerLabel, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, fmt.Errorf("%s rejected submission (status %d): %s",
			MarkerLabel, resp.StatusCode, errorDetail(resp.Body))
	}

	var payload markerSubmitResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Receipt{}, fmt.Errorf("decode submit response: %w", err)
	}
	if !payload.Success {
		msg := payload.Error
		if msg == "" {
			msg = "submission not accepted"
		}
		return Receipt{}, fmt.Errorf("%s: %s", MarkerLabel, msg)
	}

	if !c.allowCrossHost {
		if err := checkURLHost(c.submitURL, payload.CheckURL); err != nil {
			return Receipt{}, fmt.Errorf("%s returned suspicious receipt: %w", MarkerLabel, err)
		}
	}

	return Receipt{RequestID: payload.RequestID, CheckURL: payload.CheckURL}, nil
}

// Poll issues one status check. A 404 is reported as still-processing
// unless the client was configured otherwise.
func (c *MarkerClient) Poll(ctx context.Context, checkURL string) (StatusUpdate, error) {
	resp, err := c.client.GetJSON(ctx, checkURL, nil)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("poll %s: %w", MarkerLabel, err)
	}

	if resp.StatusCode == http.StatusNotFound && c.tolerateNotFound {
		return StatusUpdate{State: StateProcessing}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return StatusUpdate{}, fmt.Errorf("%s status check failed (status %d): %s",
			MarkerLabel, resp.StatusCode, errorDetail(resp.Body))
	}

	var payload markerStatusResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode status response: %w", err)
	}

	state, err := parseState(payload.Status)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("%s: %w", MarkerLabel, err)
	}

	return StatusUpdate{
		State:    state,
		Markdown: payload.Markdown,
		Message:  payload.Error,
	}, nil
}

// parseState maps a wire status string to a State.
func parseState(s string) (State, error) {
	switch s {
	case "pending", "queued":
		return StatePending, nil
	case "processing", "running":
		return StateProcessing, nil
	case "complete":
		return StateComplete, nil
	case "error", "failed":
		return StateError, nil
	default:
		return "", fmt.Errorf("unexpected status %q in response", s)
	}
}

// errorDetail extracts a human-readable message from an error body. The
// backends wrap failures as {"detail": ...} or {"error": ...}; anything
// else is returned raw.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) == 0 {
		return "(empty response)"
	}
	return string(body)
}
