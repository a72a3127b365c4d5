// Package backend provides submit/poll access to the conversion services
// with multiple backend support.
//
// Every backend speaks the same submit-then-poll protocol: a multipart
// upload answered with a request id plus a check URL, then repeated status
// polls against that URL until the conversion settles. What differs between
// backends is credentials, timing budget, and how status-endpoint quirks
// (most notably a premature 404) are interpreted. Those differences live
// entirely inside the implementations of Backend.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/transport"
)

// State is a normalized conversion status reported by a poll.
type State string

const (
	// StatePending means the backend has accepted the job but not started it.
	StatePending State = "pending"

	// StateProcessing means the conversion is running.
	StateProcessing State = "processing"

	// StateComplete means the conversion finished and markdown is available.
	StateComplete State = "complete"

	// StateError means the backend reports the conversion failed.
	StateError State = "error"
)

// Receipt is what a successful submission returns: the backend's handle
// for the job and the URL to poll for its status.
//
// CheckURL may be empty when the backend violated the protocol; callers
// decide how to report that.
type Receipt struct {
	RequestID string
	CheckURL  string
}

// StatusUpdate is the decoded outcome of one poll.
type StatusUpdate struct {
	State State

	// Markdown is populated only when State is StateComplete.
	Markdown string

	// Message carries the backend's failure description when State is
	// StateError.
	Message string
}

// Timing is a backend's polling budget. An InitialDelay above zero means
// the backend needs breathing room between submission and the first poll
// (its status endpoint races its own job registry).
type Timing struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// Budget returns the worst-case wait the timing allows.
func (t Timing) Budget() time.Duration {
	return t.InitialDelay + time.Duration(t.MaxAttempts)*t.PollInterval
}

// Backend is the interface conversion drivers speak to a backend through.
// Implementations include MarkerClient (self-hosted / free tier) and
// DatalabClient (paid API).
type Backend interface {
	// Submit uploads the document with its conversion options and returns
	// the polling receipt. Transport failures, protocol-level rejections,
	// and explicit error payloads are errors.
	Submit(ctx context.Context, doc document.Document, opts Options) (Receipt, error)

	// Poll issues one status check against the URL a Submit returned.
	Poll(ctx context.Context, checkURL string) (StatusUpdate, error)

	// Timing returns the polling budget the driver should use.
	Timing() Timing

	// Label returns a short backend name used to qualify user-facing
	// error messages.
	Label() string
}

// Kind identifies a backend variant.
type Kind string

const (
	// KindLocal targets a self-hosted Marker server (or the hosted free tier).
	KindLocal Kind = "local"

	// KindDatalab targets the paid Datalab API.
	KindDatalab Kind = "datalab"
)

// ParseKind converts a user-supplied backend name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindDatalab:
		return Kind(s), nil
	case "":
		return KindLocal, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want %q or %q)", s, KindLocal, KindDatalab)
	}
}

// Config holds configuration for creating a Backend.
type Config struct {
	// Kind selects the backend variant.
	Kind Kind

	// URL is the submit endpoint. Empty means the variant's default
	// (http://localhost:8000/marker locally, the Datalab API otherwise).
	URL string

	// APIKey authenticates against Datalab (X-Api-Key). For the local
	// variant it is the key forwarded to the server for LLM-enhanced
	// conversion.
	APIKey string

	// Timing overrides the variant's polling budget when non-zero.
	Timing Timing

	// TolerateNotFound controls whether a 404 from the status endpoint is
	// read as "still processing". Nil means the variant default: on for
	// the local backend (whose status endpoint races job registration and
	// drops jobs after the terminal read), off for Datalab.
	TolerateNotFound *bool

	// AllowCrossHostPoll disables the check that the poll URL shares the
	// submit URL's host. Needed only behind rewriting proxies.
	AllowCrossHostPoll bool
}

// New creates a Backend based on the provided configuration.
func New(cfg Config, hc *transport.Client) (Backend, error) {
	switch cfg.Kind {
	case KindLocal, "":
		return NewMarkerClient(cfg, hc)

	case KindDatalab:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("datalab backend requires an API key")
		}
		return NewDatalabClient(cfg, hc)

	default:
		return nil, fmt.Errorf("unknown backend kind: %s", cfg.Kind)
	}
}

// mergeTiming fills zero fields of an override with the variant default.
func mergeTiming(override, def Timing) Timing {
	t := def
	if override.InitialDelay > 0 {
		t.InitialDelay = override.InitialDelay
	}
	if override.PollInterval > 0 {
		t.PollInterval = override.PollInterval
	}
	if override.MaxAttempts > 0 {
		t.MaxAttempts = override.MaxAttempts
	}
	return t
}

// checkURLHost verifies the check URL points back at the host the job was
// submitted to. The backends hand out absolute URLs and following an
// arbitrary one would let a compromised response redirect our polls.
func checkURLHost(submitURL, checkURL string) error {
	if checkURL == "" {
		return nil
	}
	su, err := url.Parse(submitURL)
	if err != nil {
		return fmt.Errorf("parse submit URL: %w", err)
	}
	cu, err := url.Parse(checkURL)
	if err != nil {
		return fmt.Errorf("parse check URL: %w", err)
	}
	if cu.Host != su.Host {
		return fmt.Errorf("check URL host %q does not match submit host %q", cu.Host, su.Host)
	}
	return nil
}
