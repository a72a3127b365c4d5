package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/transport"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "Show configured backends and check their health",
	Long: `Show the conversion backends docprep can use, their polling
behavior, and whether the local marker server is reachable.

The default backend comes from DOCPREP_BACKEND; a single run can pick
another one with 'docprep convert --backend datalab'.`,
	RunE: runBackends,
}

func runBackends(cmd *cobra.Command, args []string) error {
	markerURL := cfg.MarkerURL
	if markerURL == "" {
		markerURL = backend.DefaultMarkerURL
	}
	datalabURL := cfg.DatalabURL
	if datalabURL == "" {
		datalabURL = backend.DefaultDatalabURL
	}

	fmt.Printf("Configured backends (default: %s)\n\n", cfg.Backend)

	fmt.Printf("%s (local)\n", backend.MarkerLabel)
	fmt.Printf("  URL:     %s\n", markerURL)
	printTiming(timingFor(backend.KindLocal))
	fmt.Printf("  Health:  %s\n", probeMarker(cmd.Context(), markerURL))

	fmt.Println()

	fmt.Printf("%s (datalab)\n", backend.DatalabLabel)
	fmt.Printf("  URL:     %s\n", datalabURL)
	if cfg.APIKey == "" {
		fmt.Println("  API key: missing (set DOCPREP_API_KEY)")
	} else {
		fmt.Println("  API key: configured")
	}
	printTiming(timingFor(backend.KindDatalab))

	return nil
}

// timingFor resolves a variant's polling schedule with env overrides applied.
func timingFor(kind backend.Kind) backend.Timing {
	b, err := buildBackend(string(kind))
	if err != nil {
		// Variant not usable (e.g. missing API key); show its defaults.
		if kind == backend.KindDatalab {
			return backend.DatalabTiming
		}
		return backend.MarkerTiming
	}
	return b.Timing()
}

func printTiming(t backend.Timing) {
	fmt.Printf("  Polling: every %s, up to %d attempts (budget %s)\n",
		t.PollInterval, t.MaxAttempts, t.Budget())
}

// probeMarker checks whether the local marker server answers its health
// endpoint. Older servers only serve the root path, so both are tried.
func probeMarker(ctx context.Context, submitURL string) string {
	base, err := url.Parse(submitURL)
	if err != nil || base.Host == "" {
		return "unknown (bad URL)"
	}
	root := base.Scheme + "://" + base.Host

	hc := transport.New(transport.WithTimeout(5 * time.Second))
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, probe := range []string{root + "/health", root + "/"} {
		resp, err := hc.GetJSON(ctx, probe, nil)
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		var health struct {
			Status     string `json:"status"`
			Service    string `json:"service"`
			ActiveJobs int    `json:"active_jobs"`
		}
		if err := json.Unmarshal(resp.Body, &health); err != nil || health.Status == "" {
			return "reachable"
		}
		if health.Service != "" {
			return fmt.Sprintf("%s (%s, %d active jobs)", health.Status, health.Service, health.ActiveJobs)
		}
		return health.Status
	}
	return "unreachable"
}
