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
	// DefaultDatalabURL is the submit endpoint of the paid Datalab API.
	DefaultDatalabURL = "https://www.datalab.to/api/v1/marker"

	// DatalabLabel qualifies error messages from the paid backend.
	DatalabLabel = "Datalab"
)

// DatalabTiming is the default polling budget for the paid backend. The
// hosted service starts jobs immediately and answers status checks from
// the moment the submission returns, so there is no initial delay and the
// budget is tighter (~5 minutes).
var DatalabTiming = Timing{
	PollInterval: 2 * time.Second,
	MaxAttempts:  150,
}

// DatalabClient implements Backend against the paid Datalab API.
// Unlike the local backend, a 404 from its status endpoint is a hard
// error: the service keeps results queryable, so an unknown request id
// means the id is wrong or expired, not that the job is still warming up.
type DatalabClient struct {
	submitURL      string
	apiKey         string
	client         *transport.Client
	timing         Timing
	allowCrossHost bool
}

// Compile-time check that DatalabClient implements Backend.
var _ Backend = (*DatalabClient)(nil)

// NewDatalabClient creates a client for the paid backend.
// cfg.APIKey is required; an empty cfg.URL targets DefaultDatalabURL.
func NewDatalabClient(cfg Config, hc *transport.Client) (*DatalabClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key required for %s", DatalabLabel)
	}
	if hc == nil {
		hc = transport.New()
	}

	submitURL := cfg.URL
	if submitURL == "" {
		submitURL = DefaultDatalabURL
	}

	return &DatalabClient{
		submitURL:      submitURL,
		apiKey:         cfg.APIKey,
		client:         hc,
		timing:         mergeTiming(cfg.Timing, DatalabTiming),
		allowCrossHost: cfg.AllowCrossHostPoll,
	}, nil
}

// Label returns the backend name used in error messages.
func (c *DatalabClient) Label() string {
	return DatalabLabel
}

// Timing returns the polling budget.
func (c *DatalabClient) Timing() Timing {
	return c.timing
}

func (c *DatalabClient) headers() map[string]string {
	return map[string]string{"X-Api-Key": c.apiKey}
}

// datalabSubmitResponse is the submit payload the Datalab API returns.
type datalabSubmitResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	CheckURL  string `json:"request_check_url"`
	Error     string `json:"error"`
}

// datalabStatusResponse is the status payload the Datalab API returns.
// Success is a pointer because it only accompanies terminal statuses.
type datalabStatusResponse struct {
	Status   string `json:"status"`
	Success  *bool  `json:"success"`
	Markdown string `json:"markdown"`
	Error    string `json:"error"`
}

// Submit uploads the document and returns the polling receipt.
func (c *DatalabClient) Submit(ctx context.Context, doc document.Document, opts Options) (Receipt, error) {
	resp, err := c.client.PostMultipart(ctx, c.submitURL, opts.FormFields(), doc, c.headers())
	if err != nil {
		return Receipt{}, fmt.Errorf("submit to %s: %w", DatalabLabel, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Receipt{}, fmt.Errorf("%s rejected the API key (status %d): %s",
			DatalabLabel, resp.StatusCode, errorDetail(resp.Body))
	default:
		return Receipt{}, fmt.Errorf("%s rejected submission (status %d): %s",
			DatalabLabel, resp.StatusCode, errorDetail(resp.Body))
	}

	var payload datalabSubmitResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Receipt{}, fmt.Errorf("decode submit response: %w", err)
	}
	if !payload.Success {
		msg := payload.Error
		if msg == "" {
			msg = "submission not accepted"
		}
		return Receipt{}, fmt.Errorf("%s: %s", DatalabLabel, msg)
	}

	if !c.allowCrossHost {
		if err := checkURLHost(c.submitURL, payload.CheckURL); err != nil {
			return Receipt{}, fmt.Errorf("%s returned suspicious receipt: %w", DatalabLabel, err)
		}
	}

	return Receipt{RequestID: payload.RequestID, CheckURL: payload.CheckURL}, nil
}

// Poll issues one status check. 404 means the request id is unknown to
// the service and is surfaced as an error.
func (c *DatalabClient) Poll(ctx context.Context, checkURL string) (StatusUpdate, error) {
	resp, err := c.client.GetJSON(ctx, checkURL, c.headers())
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("poll %s: %w", DatalabLabel, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return StatusUpdate{}, fmt.Errorf("%s does not know this request (status 404): %s",
			DatalabLabel, errorDetail(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		return StatusUpdate{}, fmt.Errorf("%s status check failed (status %d): %s",
			DatalabLabel, resp.StatusCode, errorDetail(resp.Body))
	}

	var payload datalabStatusResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return StatusUpdate{}, fmt.Errorf("decode status response: %w", err)
	}

	state, err := parseState(payload.Status)
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("%s: %w", DatalabLabel, err)
	}

	// The API reports failures as a terminal status with success=false
	// rather than status=error.
	if state == StateComplete && payload.Success != nil && !*payload.Success {
		state = StateError
	}

	return StatusUpdate{
		State:    state,
		Markdown: payload.Markdown,
		Message:  payload.Error,
	}, nil
}
