// Package transport implements the HTTP plumbing the conversion backends
// are driven through: one multipart submit call and one JSON poll call.
//
// Status interpretation is deliberately left to the caller. The backends
// disagree about what a 404 from a status endpoint means, so this layer
// reports the status code and body as data and never retries.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/raphaelgruber/docprep/internal/document"
)

// DefaultTimeout bounds a single HTTP round trip. Submissions of large
// documents to slow backends need generous room.
const DefaultTimeout = 5 * time.Minute

// Response is the outcome of one HTTP call that reached the server.
// Non-2xx statuses are returned here, not as errors.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client issues the submit and poll calls.
type Client struct {
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient substitutes the underlying *http.Client, mainly so tests
// can install a stub RoundTripper.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a transport client with the default timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostMultipart uploads a document plus form fields to url and returns the
// raw response. Transport failures (DNS, refused connection, timeout,
// cancelled context) are errors; HTTP error statuses are not.
func (c *Client) PostMultipart(ctx context.Context, url string, fields map[string]string, doc document.Document, headers map[string]string) (*Response, error) {
	r, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer r.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", doc.Name)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("copy document: %w", err)
	}

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.do(req)
}

// GetJSON issues a status poll against url and returns the raw response.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
