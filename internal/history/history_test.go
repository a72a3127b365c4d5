package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docprep/internal/history"
)

func openStore(t *testing.T) (*history.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "history.db")
	store, err := history.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestRecordAndList(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"first.pdf", "second.pdf", "third.pdf"} {
		done := base.Add(time.Duration(i)*time.Minute + 30*time.Second)
		_, err := store.Record(ctx, history.Entry{
			SourceName:   name,
			SourceSize:   1024,
			Backend:      "local",
			OutputFormat: "markdown",
			Status:       "complete",
			Attempts:     i + 1,
			Duration:     30 * time.Second,
			Words:        100 * (i + 1),
			Pages:        2,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			CompletedAt:  &done,
		})
		require.NoError(t, err)
	}

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, "third.pdf", entries[0].SourceName)
	assert.Equal(t, "first.pdf", entries[2].SourceName)
	assert.Equal(t, 30*time.Second, entries[0].Duration)
	require.NotNil(t, entries[0].CompletedAt)

	limited, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetByIDAndPrefix(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	id, err := store.Record(ctx, history.Entry{
		SourceName: "report.pdf",
		Backend:    "datalab",
		Status:     "failed",
		Error:      "Conversion timeout. Please try again.",
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.pdf", got.SourceName)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "Conversion timeout. Please try again.", got.Error)

	// A unique prefix resolves like a short hash.
	byPrefix, err := store.Get(ctx, id[:8])
	require.NoError(t, err)
	require.NotNil(t, byPrefix)
	assert.Equal(t, id, byPrefix.ID)

	missing, err := store.Get(ctx, "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClear(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	for range 3 {
		_, err := store.Record(ctx, history.Entry{SourceName: "x.pdf", Backend: "local", Status: "complete"})
		require.NoError(t, err)
	}

	removed, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := history.Open(path)
	require.NoError(t, err)
	_, err = store.Record(ctx, history.Entry{SourceName: "persisted.pdf", Backend: "local", Status: "complete"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := history.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "persisted.pdf", entries[0].SourceName)
}
