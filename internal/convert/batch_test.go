package convert_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/convert"
)

func batchItems(names ...string) []convert.BatchItem {
	items := make([]convert.BatchItem, len(names))
	for i, name := range names {
		items[i] = convert.BatchItem{Key: name, Doc: docFor(name)}
	}
	return items
}

func TestConvertBatchPartitions(t *testing.T) {
	t.Parallel()

	stub := newStub(processingStep(), completeStep("# ok"))
	stub.perDoc = map[string][]pollStep{
		"file1.pdf": {processingStep(), errorStep("bad page")},
		"file3.pdf": {errorStep("")},
	}
	conv := convert.NewConverter(stub)

	var snaps []convert.BatchProgress
	res := conv.ConvertBatch(context.Background(),
		batchItems("file1.pdf", "file2.pdf", "file3.pdf", "file4.pdf", "file5.pdf"),
		backend.Options{},
		convert.BatchOptions{
			Concurrency: 3,
			OnProgress:  func(p convert.BatchProgress) { snaps = append(snaps, p) },
		})

	assert.ElementsMatch(t, []string{"file2.pdf", "file4.pdf", "file5.pdf"},
		slices.Collect(maps.Keys(res.Completed)))
	assert.ElementsMatch(t, []string{"file1.pdf", "file3.pdf"},
		slices.Collect(maps.Keys(res.Failed)))

	for key, r := range res.Completed {
		assert.Equal(t, "# ok", r.Markdown, "unexpected output for %s", key)
	}
	assert.Contains(t, res.Failed["file1.pdf"].Err.Error(), "bad page")

	// One snapshot per settled item, counters monotone, full final tally.
	require.Len(t, snaps, 5)
	for i, snap := range snaps {
		assert.Equal(t, 5, snap.Total)
		assert.Equal(t, i+1, snap.Completed+snap.Failed)
		assert.LessOrEqual(t, snap.Completed+snap.Failed+snap.InProgress, snap.Total)
		assert.NotEmpty(t, snap.CurrentKey)
	}
	final := snaps[len(snaps)-1]
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, 2, final.Failed)
	assert.Zero(t, final.InProgress)

	// The underlying records are all terminal and match their partition.
	require.Len(t, res.Jobs, 5)
	assert.Equal(t, convert.StatusComplete, res.Jobs["file2.pdf"].Status())
	assert.Equal(t, convert.StatusFailed, res.Jobs["file1.pdf"].Status())
	assert.Equal(t, convert.StatusFailed, res.Jobs["file3.pdf"].Status())
}

func TestConvertBatchEmpty(t *testing.T) {
	t.Parallel()

	stub := newStub(completeStep("# ok"))
	conv := convert.NewConverter(stub)

	called := false
	res := conv.ConvertBatch(context.Background(), nil, backend.Options{}, convert.BatchOptions{
		OnProgress: func(convert.BatchProgress) { called = true },
	})

	assert.Empty(t, res.Completed)
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.Jobs)
	assert.False(t, called)
	assert.Zero(t, stub.submitCount())
}

func TestConvertBatchSubmitFailureIsolated(t *testing.T) {
	t.Parallel()

	stub := newStub(completeStep("# ok"))
	stub.submitErrFor = map[string]error{
		"file2.pdf": errors.New("boom"),
	}
	conv := convert.NewConverter(stub)

	res := conv.ConvertBatch(context.Background(),
		batchItems("file1.pdf", "file2.pdf", "file3.pdf"),
		backend.Options{}, convert.BatchOptions{Concurrency: 1})

	assert.ElementsMatch(t, []string{"file1.pdf", "file3.pdf"},
		slices.Collect(maps.Keys(res.Completed)))
	require.Contains(t, res.Failed, "file2.pdf")
	assert.Equal(t, "boom", res.Failed["file2.pdf"].Err.Error())
}

func TestConvertBatchConcurrencyCap(t *testing.T) {
	t.Parallel()

	stub := newStub(processingStep(), processingStep(), processingStep(), completeStep("# ok"))
	stub.timing = backend.Timing{PollInterval: time.Millisecond, MaxAttempts: 10}
	conv := convert.NewConverter(stub)

	names := make([]string, 10)
	for i := range names {
		names[i] = string(rune('a'+i)) + ".pdf"
	}

	var snaps []convert.BatchProgress
	res := conv.ConvertBatch(context.Background(), batchItems(names...),
		backend.Options{},
		convert.BatchOptions{
			Concurrency: 2,
			OnProgress:  func(p convert.BatchProgress) { snaps = append(snaps, p) },
		})

	assert.Len(t, res.Completed, 10)
	assert.Empty(t, res.Failed)
	assert.LessOrEqual(t, stub.maxInFlight(), 2)
	for _, snap := range snaps {
		assert.LessOrEqual(t, snap.InProgress, 2)
	}
}

func TestConvertBatchCancellation(t *testing.T) {
	t.Parallel()

	stub := newStub(processingStep())
	stub.timing = backend.Timing{PollInterval: 5 * time.Millisecond, MaxAttempts: 10000}
	conv := convert.NewConverter(stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once both workers are demonstrably inside their first item.
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		once sync.Once
	)
	onItem := func(key string, p convert.Progress) {
		mu.Lock()
		seen[key] = true
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			once.Do(cancel)
		}
	}

	var snaps []convert.BatchProgress
	res := conv.ConvertBatch(ctx,
		batchItems("file1.pdf", "file2.pdf", "file3.pdf", "file4.pdf", "file5.pdf", "file6.pdf"),
		backend.Options{},
		convert.BatchOptions{
			Concurrency:    2,
			OnProgress:     func(p convert.BatchProgress) { snaps = append(snaps, p) },
			OnItemProgress: onItem,
		})

	// Every item is accounted for, none succeeded, all carry the
	// cancellation outcome.
	assert.Empty(t, res.Completed)
	require.Len(t, res.Failed, 6)
	for key, r := range res.Failed {
		assert.ErrorIs(t, r.Err, convert.ErrCancelled, "item %s", key)
	}

	// Only the two in-flight items ever reached the backend; the queued
	// ones were cancelled without a single submit.
	assert.ElementsMatch(t, []string{"file1.pdf", "file2.pdf"}, stub.submitNames())
	assert.Empty(t, res.Jobs["file3.pdf"].RequestID())
	assert.NotEmpty(t, res.Jobs["file1.pdf"].RequestID())

	for key, job := range res.Jobs {
		assert.Equal(t, convert.StatusCancelled, job.Status(), "job %s", key)
		assert.Equal(t, convert.CancelledReason, job.FailureReason(), "job %s", key)
	}

	require.Len(t, snaps, 6)
	final := snaps[len(snaps)-1]
	assert.Equal(t, 6, final.Failed)
	assert.Zero(t, final.InProgress)
}
