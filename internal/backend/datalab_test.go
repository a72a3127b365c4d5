package backend_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/backend/backendtest"
)

func TestNewDatalabClientRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := backend.NewDatalabClient(backend.Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key required")
}

func TestDatalabSubmitSendsAPIKeyHeader(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(backendtest.Script{
		RequireAPIKey: "sk-123",
		Markdown:      "# Paid",
	})
	defer srv.Close()

	client, err := backend.NewDatalabClient(backend.Config{URL: srv.SubmitURL(), APIKey: "sk-123"}, nil)
	require.NoError(t, err)

	receipt, err := client.Submit(context.Background(), testDoc(), backend.Options{Paginate: true})
	require.NoError(t, err)
	assert.Equal(t, "req-1", receipt.RequestID)

	submits := srv.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "sk-123", submits[0].Header.Get("X-Api-Key"))
	assert.Equal(t, "true", submits[0].Fields["paginate"])

	// The paid API authenticates via header only, never a form field.
	_, hasField := submits[0].Fields["api_key"]
	assert.False(t, hasField)

	update, err := client.Poll(context.Background(), receipt.CheckURL)
	require.NoError(t, err)
	assert.Equal(t, backend.StateComplete, update.State)
	assert.Equal(t, "# Paid", update.Markdown)
}

func TestDatalabSubmitRejectedKey(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(backendtest.Script{RequireAPIKey: "sk-123"})
	defer srv.Close()

	client, err := backend.NewDatalabClient(backend.Config{URL: srv.SubmitURL(), APIKey: "wrong"}, nil)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), testDoc(), backend.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected the API key")
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestDatalabSubmitRejectedStatus(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(backendtest.Script{
		RejectSubmit: http.StatusInternalServerError,
		RejectDetail: "upstream worker pool exhausted",
	})
	defer srv.Close()

	client, err := backend.NewDatalabClient(backend.Config{URL: srv.SubmitURL(), APIKey: "sk-123"}, nil)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), testDoc(), backend.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected submission (status 500)")
	assert.Contains(t, err.Error(), "upstream worker pool exhausted")
}

func TestDatalabPollNotFoundIsHardError(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(backendtest.Script{NotFoundPolls: 1, Markdown: "# Paid"})
	defer srv.Close()

	client, err := backend.NewDatalabClient(backend.Config{URL: srv.SubmitURL(), APIKey: "sk-123"}, nil)
	require.NoError(t, err)

	receipt, err := client.Submit(context.Background(), testDoc(), backend.Options{})
	require.NoError(t, err)

	// Unlike the local backend there is no not-yet grace: an unknown
	// request id is wrong, full stop.
	_, err = client.Poll(context.Background(), receipt.CheckURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not know this request")
}

func TestDatalabPollSuccessFalse(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(backendtest.Script{
		CompleteSuccessFalse: true,
		ErrorMessage:         "page 12 could not be parsed",
	})
	defer srv.Close()

	client, err := backend.NewDatalabClient(backend.Config{URL: srv.SubmitURL(), APIKey: "sk-123"}, nil)
	require.NoError(t, err)

	receipt, err := client.Submit(context.Background(), testDoc(), backend.Options{})
	require.NoError(t, err)

	update, err := client.Poll(context.Background(), receipt.CheckURL)
	require.NoError(t, err)
	assert.Equal(t, backend.StateError, update.State)
	assert.Equal(t, "page 12 could not be parsed", update.Message)
}

func TestDatalabTiming(t *testing.T) {
	t.Parallel()

	client, err := backend.NewDatalabClient(backend.Config{APIKey: "sk-123"}, nil)
	require.NoError(t, err)

	timing := client.Timing()
	assert.Zero(t, timing.InitialDelay)
	assert.Equal(t, backend.DatalabTiming, timing)
	assert.Equal(t, "Datalab", client.Label())
}
