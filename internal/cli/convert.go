package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/convert"
	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/history"
	"github.com/raphaelgruber/docprep/internal/markdown"
	"github.com/raphaelgruber/docprep/internal/metrics"
	"github.com/raphaelgruber/docprep/internal/output"
)

var (
	convertBackend     string
	convertOut         string
	convertFormat      string
	convertLangs       []string
	convertPaginate    bool
	convertFormatLines bool
	convertUseLLM      bool
	convertNoImages    bool
	convertRedoMath    bool
	convertConcurrency int
	convertPlain       bool
	convertNoHistory   bool
	convertFrontmatter bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <file.pdf> [file.pdf ...]",
	Short: "Convert PDF documents to markdown",
	Long: `Convert one or more PDF documents using the configured backend.

The backend converts asynchronously: docprep submits each document,
polls until it is done, and writes the result to the output directory.
Multiple files run as a batch with bounded concurrency and a live
progress display.

Examples:
  docprep convert report.pdf
  docprep convert report.pdf --format json --out ./converted
  docprep convert a.pdf b.pdf c.pdf --concurrency 4 --langs en,de
  docprep convert scan.pdf --llm --redo-math
  docprep convert report.pdf --out -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVarP(&convertBackend, "backend", "b", "", "backend variant (local, datalab)")
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", "", "output directory, or - for stdout")
	convertCmd.Flags().StringVarP(&convertFormat, "format", "f", "", "output format (markdown, json, html, chunks)")
	convertCmd.Flags().StringSliceVarP(&convertLangs, "langs", "l", nil, "OCR language hints")
	convertCmd.Flags().BoolVar(&convertPaginate, "paginate", false, "insert page separators into the output")
	convertCmd.Flags().BoolVar(&convertFormatLines, "format-lines", false, "reformat OCR line breaks")
	convertCmd.Flags().BoolVar(&convertUseLLM, "llm", false, "enable the backend's LLM enhancement pass")
	convertCmd.Flags().BoolVar(&convertNoImages, "no-images", false, "skip extracting embedded images")
	convertCmd.Flags().BoolVar(&convertRedoMath, "redo-math", false, "re-run inline math recognition")
	convertCmd.Flags().IntVarP(&convertConcurrency, "concurrency", "c", 0, "parallel conversions for batches")
	convertCmd.Flags().BoolVar(&convertPlain, "plain", false, "line-based progress instead of the interactive display")
	convertCmd.Flags().BoolVar(&convertNoHistory, "no-history", false, "skip recording this run in history")
	convertCmd.Flags().BoolVar(&convertFrontmatter, "frontmatter", false, "prepend YAML frontmatter to markdown output")
}

func runConvert(cmd *cobra.Command, args []string) error {
	format, err := backend.ParseFormat(convertFormat)
	if err != nil {
		return err
	}

	toStdout := convertOut == "-"
	if toStdout && len(args) > 1 {
		return fmt.Errorf("--out - only works with a single file")
	}

	opts := backend.Options{
		OutputFormat:           format,
		Langs:                  convertLangs,
		Paginate:               convertPaginate,
		FormatLines:            convertFormatLines,
		UseLLM:                 convertUseLLM,
		DisableImageExtraction: convertNoImages,
		RedoInlineMath:         convertRedoMath,
		GeminiAPIKey:           cfg.GeminiAPIKey,
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	items, err := collectItems(args)
	if err != nil {
		return err
	}

	b, err := buildBackend(convertBackend)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	conv := convert.NewConverter(b, convert.WithLogger(logger), convert.WithCollector(collector))

	concurrency := convertConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := !convertPlain && !toStdout && term.IsTerminal(int(os.Stdout.Fd()))

	var result *convert.BatchResult
	if interactive {
		result, err = runBatchTUI(ctx, conv, items, opts, concurrency)
		if err != nil {
			return err
		}
	} else {
		result = runBatchPlain(ctx, conv, items, opts, concurrency)
	}

	return reportResults(items, result, conv.Backend().Label(), format, collector, toStdout)
}

// collectItems validates the input files up front, before anything is
// submitted to a backend.
func collectItems(paths []string) ([]convert.BatchItem, error) {
	items := make([]convert.BatchItem, 0, len(paths))
	seen := make(map[string]int, len(paths))

	var bad []string
	for _, path := range paths {
		doc, err := document.FromFile(path)
		if err == nil {
			err = document.Validate(doc)
		}
		if err != nil {
			bad = append(bad, err.Error())
			continue
		}

		// Repeated paths get distinct keys so results stay separate.
		key := path
		if n := seen[path]; n > 0 {
			key = fmt.Sprintf("%s#%d", path, n+1)
		}
		seen[path]++

		items = append(items, convert.BatchItem{Key: key, Doc: doc})
	}

	if len(bad) > 0 {
		return nil, fmt.Errorf("invalid input:\n  %s", strings.Join(bad, "\n  "))
	}
	return items, nil
}

// runBatchPlain drives the batch with line-based progress output, for
// pipes and terminals that should not be redrawn.
func runBatchPlain(ctx context.Context, conv *convert.Converter, items []convert.BatchItem, opts backend.Options, concurrency int) *convert.BatchResult {
	fmt.Printf("Converting %d document(s) on %s...\n", len(items), conv.Backend().Label())

	return conv.ConvertBatch(ctx, items, opts, convert.BatchOptions{
		Concurrency: concurrency,
		OnProgress: func(bp convert.BatchProgress) {
			fmt.Printf("[%d/%d] %s\n", bp.Completed+bp.Failed, bp.Total, filepath.Base(bp.CurrentKey))
		},
	})
}

// reportResults writes outputs, records history, and prints the summary.
// Results are reported in input order regardless of completion order.
func reportResults(items []convert.BatchItem, result *convert.BatchResult, backendLabel, format string, collector *metrics.Collector, toStdout bool) error {
	var store *history.Store
	if !convertNoHistory {
		if store = openHistory(); store != nil {
			defer store.Close()
		}
	}

	var writer *output.Writer
	if !toStdout {
		outDir := convertOut
		if outDir == "" {
			outDir = cfg.OutDir
		}
		var wopts []output.Option
		if convertFrontmatter {
			wopts = append(wopts, output.WithFrontmatter())
		}
		writer = output.New(outDir, wopts...)
	}

	// History writes happen after cancellation too, so no signal context here.
	ctx := context.Background()

	var done, failed, cancelled int
	for _, item := range items {
		if res, ok := result.Completed[item.Key]; ok {
			done++
			path, err := deliver(writer, item, result.Jobs[item.Key], backendLabel, format, res, toStdout)
			switch {
			case err != nil:
				fmt.Printf("Warning: %s converted but not written: %v\n", item.Doc.Name, err)
			case !toStdout:
				fmt.Printf("✓ %s → %s\n", item.Doc.Name, path)
			}
			record(ctx, store, result.Jobs[item.Key], res, path, backendLabel, format)
			continue
		}

		res := result.Failed[item.Key]
		if errors.Is(res.Err, convert.ErrCancelled) {
			cancelled++
		} else {
			failed++
		}
		fmt.Printf("✗ %s: %v\n", item.Doc.Name, res.Err)
		record(ctx, store, result.Jobs[item.Key], res, "", backendLabel, format)
	}

	if verbose {
		printRunStats(collector)
	}

	switch {
	case cancelled > 0:
		return convert.ErrCancelled
	case failed > 0:
		return fmt.Errorf("%d of %d conversions failed", failed, len(items))
	}

	if len(items) > 1 {
		fmt.Printf("\nConverted %d documents.\n", done)
	}
	return nil
}

// deliver hands one successful result to its destination and returns the
// path written (empty for stdout).
func deliver(writer *output.Writer, item convert.BatchItem, job *convert.Job, backendLabel, format string, res convert.Result, toStdout bool) (string, error) {
	if toStdout {
		fmt.Print(res.Markdown)
		if !strings.HasSuffix(res.Markdown, "\n") {
			fmt.Println()
		}
		return "", nil
	}

	meta := output.Meta{
		Source:   item.Doc.Name,
		Backend:  backendLabel,
		Format:   format,
		Langs:    convertLangs,
		Duration: res.Elapsed.Round(time.Second).String(),
		Created:  time.Now(),
	}
	if job != nil {
		meta.RequestID = job.Snapshot().RequestID
	}
	if format == backend.FormatMarkdown {
		if doc, err := markdown.Parse(res.Markdown); err == nil {
			meta.Title = doc.Title
		}
	}

	return writer.Write(item.Doc.Name, format, res.Markdown, meta)
}

// record persists one finished conversion to the history store.
func record(ctx context.Context, store *history.Store, job *convert.Job, res convert.Result, outputPath, backendLabel, format string) {
	if store == nil || job == nil {
		return
	}
	snap := job.Snapshot()

	entry := history.Entry{
		ID:           snap.ID,
		SourceName:   snap.Name,
		SourceSize:   job.Document().Size,
		Backend:      backendLabel,
		OutputFormat: format,
		Status:       string(snap.Status),
		RequestID:    snap.RequestID,
		OutputPath:   outputPath,
		Attempts:     res.Attempts,
		Duration:     res.Elapsed,
		CreatedAt:    snap.Created,
		CompletedAt:  snap.Completed,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if res.Success() && format == backend.FormatMarkdown {
		if doc, err := markdown.Parse(res.Markdown); err == nil {
			stats := doc.Stats()
			entry.Words = stats.Words
			entry.Pages = stats.Pages
		}
	}

	if _, err := store.Record(ctx, entry); err != nil {
		logger.Warn("record history", "source", snap.Name, "error", err)
	}
}

// printRunStats shows timing for this run's backend operations.
func printRunStats(collector *metrics.Collector) {
	snap := collector.Snapshot()
	fmt.Println("\nRun statistics:")
	printOpLine("submit", snap.Submit)
	printOpLine("poll", snap.Poll)
	printOpLine("convert", snap.Convert)
}

func printOpLine(name string, op *metrics.OperationSnapshot) {
	if op == nil {
		return
	}
	fmt.Printf("  %-8s calls %d, errors %d, avg %.1fms, min %dms, max %dms\n",
		name, op.Count, op.Errors, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
