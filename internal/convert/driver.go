package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/metrics"
)

// Result is a conversion's terminal outcome. Err is nil exactly when the
// backend produced markdown.
type Result struct {
	Markdown string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Success reports whether the conversion produced markdown.
func (r Result) Success() bool { return r.Err == nil }

// ProgressFunc receives a progress snapshot after each non-terminal poll.
type ProgressFunc func(Progress)

// ConverterOption configures a Converter.
type ConverterOption func(*Converter)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) ConverterOption {
	return func(c *Converter) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCollector sets a metrics collector for submit/poll/convert timings.
func WithCollector(m *metrics.Collector) ConverterOption {
	return func(c *Converter) {
		c.metrics = m
	}
}

// Converter drives job records through the submit/poll protocol against
// one backend. A single Converter is safe for concurrent use; each job is
// still owned by the one Convert call running it.
type Converter struct {
	backend backend.Backend
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewConverter creates a Converter for the given backend.
func NewConverter(b backend.Backend, opts ...ConverterOption) *Converter {
	c := &Converter{
		backend: b,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the backend this converter drives jobs against.
func (c *Converter) Backend() backend.Backend { return c.backend }

// Convert runs one job to a terminal state: submit, optional initial
// delay, then fixed-interval polls until the backend settles, the attempt
// budget runs out, or ctx is cancelled.
//
// Cancellation is observed at every suspension point (before submit,
// during the initial delay, before each poll, during each inter-poll
// wait), so its latency is bounded by one outstanding network call. The
// job record always ends terminal: complete, failed, or cancelled.
func (c *Converter) Convert(ctx context.Context, job *Job, onProgress ProgressFunc) Result {
	start := time.Now()
	result := c.run(ctx, job, onProgress, start)

	c.observe(metrics.OpConvert, start, result.Err)
	if result.Err != nil {
		c.logger.Warn("conversion ended without markdown",
			"job", job.ID(), "attempts", result.Attempts, "error", result.Err)
	} else {
		c.logger.Info("conversion complete",
			"job", job.ID(), "attempts", result.Attempts, "elapsed", result.Elapsed)
	}
	return result
}

func (c *Converter) run(ctx context.Context, job *Job, onProgress ProgressFunc, start time.Time) Result {
	if ctx.Err() != nil {
		return c.cancel(job, 0, start)
	}

	label := c.backend.Label()

	submitStart := time.Now()
	receipt, err := c.backend.Submit(ctx, job.Document(), job.Options())
	c.observe(metrics.OpSubmit, submitStart, err)
	if err != nil {
		if ctx.Err() != nil {
			return c.cancel(job, 0, start)
		}
		return c.fail(job, 0, start, err)
	}

	if err := job.MarkSubmitted(receipt.RequestID, receipt.CheckURL); err != nil {
		return Result{Err: err, Elapsed: time.Since(start)}
	}
	c.logger.Debug("conversion submitted",
		"job", job.ID(), "backend", label, "request_id", receipt.RequestID)

	if receipt.CheckURL == "" {
		return c.fail(job, 0, start, fmt.Errorf("No status check URL returned from %s", label))
	}

	timing := c.backend.Timing()
	if timing.InitialDelay > 0 {
		if err := sleepCtx(ctx, timing.InitialDelay); err != nil {
			return c.cancel(job, 0, start)
		}
	}

	for attempt := 1; attempt <= timing.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return c.cancel(job, attempt-1, start)
		}

		pollStart := time.Now()
		update, err := c.backend.Poll(ctx, receipt.CheckURL)
		c.observe(metrics.OpPoll, pollStart, err)
		if err != nil {
			if ctx.Err() != nil {
				return c.cancel(job, attempt, start)
			}
			return c.fail(job, attempt, start, err)
		}

		switch update.State {
		case backend.StateError:
			msg := fmt.Sprintf("Conversion failed on %s", label)
			if update.Message != "" {
				msg += ": " + update.Message
			}
			return c.fail(job, attempt, start, errors.New(msg))

		case backend.StateComplete:
			if update.Markdown == "" {
				return c.fail(job, attempt, start, fmt.Errorf("No content received from %s", label))
			}
			if err := job.MarkComplete(update.Markdown); err != nil {
				return Result{Err: err, Attempts: attempt, Elapsed: time.Since(start)}
			}
			return Result{Markdown: update.Markdown, Attempts: attempt, Elapsed: time.Since(start)}

		default:
			if update.State == backend.StateProcessing {
				_ = job.MarkProcessing()
			}
			progress := Progress{State: update.State, Attempt: attempt, Elapsed: time.Since(start)}
			job.UpdateProgress(progress)
			if onProgress != nil {
				onProgress(progress)
			}

			if ctx.Err() != nil {
				return c.cancel(job, attempt, start)
			}
			if attempt < timing.MaxAttempts {
				if err := sleepCtx(ctx, timing.PollInterval); err != nil {
					return c.cancel(job, attempt, start)
				}
			}
		}
	}

	_ = job.MarkFailed(ErrTimeout.Error())
	return Result{Err: ErrTimeout, Attempts: timing.MaxAttempts, Elapsed: time.Since(start)}
}

func (c *Converter) fail(job *Job, attempts int, start time.Time, err error) Result {
	_ = job.MarkFailed(err.Error())
	return Result{Err: err, Attempts: attempts, Elapsed: time.Since(start)}
}

func (c *Converter) cancel(job *Job, attempts int, start time.Time) Result {
	job.MarkCancelled()
	return Result{Err: ErrCancelled, Attempts: attempts, Elapsed: time.Since(start)}
}

func (c *Converter) observe(op string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.Record(op, time.Since(start), err)
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
