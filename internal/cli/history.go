package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docprep/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [conversion-id]",
	Short: "List or inspect past conversions",
	Long: `List recorded conversions or inspect a specific one by ID.

IDs may be abbreviated to any unique prefix.

Examples:
  docprep history            # List recent conversions
  docprep history 4fa2       # Show details for one conversion
  docprep history clear      # Forget everything`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded conversions",
	RunE:  runHistoryClear,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum entries to list")
	historyCmd.AddCommand(historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	// Open directly: inspecting old records should work even when
	// recording is disabled.
	store, err := history.Open(cfg.HistoryFile)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if len(args) == 1 {
		return showConversion(ctx, store, args[0])
	}
	return listConversions(ctx, store)
}

func listConversions(ctx context.Context, store *history.Store) error {
	entries, err := store.List(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("list conversions: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No conversions recorded")
		return nil
	}

	fmt.Printf("%-10s %-28s %-10s %-9s %-7s %s\n", "ID", "SOURCE", "STATUS", "DURATION", "WORDS", "WHEN")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, e := range entries {
		id := e.ID
		if len(id) > 8 {
			id = id[:8]
		}
		src := e.SourceName
		if len(src) > 28 {
			src = src[:25] + "..."
		}
		dur := ""
		if e.Duration > 0 {
			dur = e.Duration.Round(time.Second).String()
		}
		words := ""
		if e.Words > 0 {
			words = fmt.Sprintf("%d", e.Words)
		}
		fmt.Printf("%-10s %-28s %-10s %-9s %-7s %s\n",
			id, src, e.Status, dur, words, e.CreatedAt.Format("Jan 02 15:04"))
	}

	return nil
}

func showConversion(ctx context.Context, store *history.Store, id string) error {
	e, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get conversion: %w", err)
	}
	if e == nil {
		return fmt.Errorf("conversion not found: %s", id)
	}

	fmt.Printf("Conversion: %s\n", e.ID)
	fmt.Printf("  Source: %s (%d KB)\n", e.SourceName, e.SourceSize/1024)
	fmt.Printf("  Backend: %s\n", e.Backend)
	fmt.Printf("  Format: %s\n", e.OutputFormat)
	fmt.Printf("  Status: %s\n", e.Status)
	if e.RequestID != "" {
		fmt.Printf("  Request ID: %s\n", e.RequestID)
	}
	fmt.Printf("  Started: %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", e.CompletedAt.Format(time.RFC3339))
	}
	if e.Attempts > 0 {
		fmt.Printf("  Attempts: %d\n", e.Attempts)
	}
	if e.Duration > 0 {
		fmt.Printf("  Duration: %s\n", e.Duration.Round(time.Second))
	}
	if e.OutputPath != "" {
		fmt.Printf("  Output: %s\n", e.OutputPath)
	}
	if e.Words > 0 || e.Pages > 0 {
		fmt.Printf("  Content: %d words, %d pages\n", e.Words, e.Pages)
	}
	if e.Error != "" {
		fmt.Printf("  Error: %s\n", e.Error)
	}

	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	store, err := history.Open(cfg.HistoryFile)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	n, err := store.Clear(context.Background())
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	fmt.Printf("Removed %d conversion(s)\n", n)
	return nil
}
