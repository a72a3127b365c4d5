package convert

import (
	"context"
	"sync"
	"time"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/metrics"
)

// DefaultConcurrency is the batch worker pool size when none is given.
const DefaultConcurrency = 3

// BatchItem pairs a caller-supplied key (typically the filename) with the
// document to convert under that key.
type BatchItem struct {
	Key string
	Doc document.Document
}

// BatchProgress is the aggregate snapshot emitted each time an item
// settles. Completed+Failed+InProgress never exceeds Total, and the final
// snapshot of a run always shows Completed+Failed == Total.
type BatchProgress struct {
	Total      int
	Completed  int
	Failed     int
	InProgress int
	CurrentKey string
}

// BatchOptions configures one ConvertBatch run.
type BatchOptions struct {
	// Concurrency bounds how many drivers run at once. Zero or negative
	// means DefaultConcurrency.
	Concurrency int

	// OnProgress, if set, receives an aggregate snapshot after each item
	// settles. Calls are serialized; snapshots are monotone.
	OnProgress func(BatchProgress)

	// OnItemProgress, if set, receives each item's per-poll progress,
	// keyed like the results. Calls for different items may interleave.
	OnItemProgress func(key string, p Progress)
}

// BatchResult partitions a batch's outcomes. Every input key appears in
// exactly one of Completed or Failed; cancelled items count as failed.
// Jobs holds the underlying records for callers that want timestamps or
// request ids afterwards.
type BatchResult struct {
	Completed map[string]Result
	Failed    map[string]Result
	Jobs      map[string]*Job
}

// ConvertBatch runs every item through Convert on a bounded worker pool.
//
// Items are fed to the pool in input order; completion order is up to the
// backend. One item's failure never disturbs its siblings. Cancelling ctx
// stops the batch cooperatively: running items unwind through their
// driver's cancellation checks and items that never started are recorded
// as cancelled without a single submit.
func (c *Converter) ConvertBatch(ctx context.Context, items []BatchItem, convOpts backend.Options, opts BatchOptions) *BatchResult {
	res := &BatchResult{
		Completed: make(map[string]Result),
		Failed:    make(map[string]Result),
		Jobs:      make(map[string]*Job),
	}
	total := len(items)
	if total == 0 {
		return res
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > total {
		concurrency = total
	}

	// Records exist up front so even never-started items end up with a
	// terminal job.
	jobs := make([]*Job, total)
	for i, item := range items {
		jobs[i] = NewJob(item.Doc, convOpts)
		res.Jobs[item.Key] = jobs[i]
	}

	var (
		mu         sync.Mutex
		completed  int
		failed     int
		inProgress int
	)

	// settle runs under mu: counter updates, result placement, and the
	// progress callback form one atomic step per item.
	settle := func(key string, r Result, wasRunning bool) {
		mu.Lock()
		defer mu.Unlock()

		if wasRunning {
			inProgress--
		}
		if r.Err == nil {
			completed++
			res.Completed[key] = r
		} else {
			failed++
			res.Failed[key] = r
		}

		if opts.OnProgress != nil {
			opts.OnProgress(BatchProgress{
				Total:      total,
				Completed:  completed,
				Failed:     failed,
				InProgress: inProgress,
				CurrentKey: key,
			})
		}
	}

	begin := func() {
		mu.Lock()
		inProgress++
		mu.Unlock()
	}

	queue := make(chan int, total)
	for i := range items {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range queue {
				item := items[idx]
				job := jobs[idx]

				if ctx.Err() != nil {
					job.MarkCancelled()
					settle(item.Key, Result{Err: ErrCancelled}, false)
					continue
				}

				var onProgress ProgressFunc
				if opts.OnItemProgress != nil {
					key := item.Key
					onProgress = func(p Progress) {
						opts.OnItemProgress(key, p)
					}
				}

				begin()
				itemStart := time.Now()
				r := c.Convert(ctx, job, onProgress)
				c.observe(metrics.OpBatchItem, itemStart, r.Err)
				settle(item.Key, r, true)
			}
		}()
	}
	wg.Wait()

	c.logger.Info("batch finished",
		"total", total, "completed", len(res.Completed), "failed", len(res.Failed))
	return res
}
