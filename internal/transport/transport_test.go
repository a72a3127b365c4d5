package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubClient(f roundTripFunc) *transport.Client {
	return transport.New(transport.WithHTTPClient(&http.Client{Transport: f}))
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func TestPostMultipartShape(t *testing.T) {
	t.Parallel()

	doc := document.FromBytes("input.pdf", []byte("%PDF-1.4\npayload"))

	var captured *http.Request
	var parts map[string]string

	client := stubClient(func(r *http.Request) (*http.Response, error) {
		captured = r

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)

		parts = map[string]string{}
		reader := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, _ := io.ReadAll(part)
			parts[part.FormName()] = string(b)
			part.Close()
		}

		return jsonResponse(http.StatusOK, `{"success": true}`), nil
	})

	resp, err := client.PostMultipart(context.Background(), "http://backend.invalid/marker",
		map[string]string{"output_format": "markdown", "paginate": "false"},
		doc,
		map[string]string{"X-Api-Key": "k-123"},
	)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success": true}`, string(resp.Body))

	assert.Equal(t, "k-123", captured.Header.Get("X-Api-Key"))
	assert.Equal(t, "%PDF-1.4\npayload", parts["file"])
	assert.Equal(t, "markdown", parts["output_format"])
	assert.Equal(t, "false", parts["paginate"])
}

func TestPostMultipartErrorStatusIsNotAnError(t *testing.T) {
	t.Parallel()

	client := stubClient(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"detail": "Request ID not found"}`), nil
	})

	resp, err := client.PostMultipart(context.Background(), "http://backend.invalid/marker",
		nil, document.FromBytes("a.pdf", []byte("%PDF-")), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "Request ID not found")
}

func TestPostMultipartTransportError(t *testing.T) {
	t.Parallel()

	client := stubClient(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})

	_, err := client.PostMultipart(context.Background(), "http://backend.invalid/marker",
		nil, document.FromBytes("a.pdf", []byte("%PDF-")), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	client := stubClient(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/status/abc", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		return jsonResponse(http.StatusOK, `{"status": "processing"}`), nil
	})

	resp, err := client.GetJSON(context.Background(), "http://backend.invalid/status/abc", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "processing"}`, string(resp.Body))
}

func TestGetJSONContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := transport.New()
	_, err := client.GetJSON(ctx, "http://backend.invalid/status/abc", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
