package cli

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/convert"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status lipgloss.Color
	Error  lipgloss.Color
	Hint   lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status: lipgloss.Color("#5FAFD7"), // light blue
	Error:  lipgloss.Color("#FF005F"), // red
	Hint:   lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg refreshes the elapsed-time display.
type tickMsg time.Time

// batchSnapshotMsg carries overall batch counters after an item settles.
type batchSnapshotMsg convert.BatchProgress

// itemProgressMsg carries one in-flight item's poll progress.
type itemProgressMsg struct {
	key      string
	progress convert.Progress
}

// batchDoneMsg carries the finished batch result.
type batchDoneMsg struct {
	result *convert.BatchResult
}

// batchModel is the bubbletea model for batch conversion progress.
type batchModel struct {
	events  <-chan tea.Msg
	cancel  context.CancelFunc
	label   string
	theme   Theme
	started time.Time

	progress progress.Model
	total    int
	finished int
	failed   int
	active   map[string]convert.Progress

	result   *convert.BatchResult
	done     bool
	quitting bool
}

// newBatchModel creates the model for a batch of total items.
func newBatchModel(events <-chan tea.Msg, cancel context.CancelFunc, total int, label string) batchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return batchModel{
		events:   events,
		cancel:   cancel,
		label:    label,
		theme:    defaultTheme,
		started:  time.Now(),
		progress: prog,
		total:    total,
		active:   make(map[string]convert.Progress),
	}
}

// Init starts the event pump and the elapsed-time ticker.
func (m batchModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForEvent(),
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m batchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// Stop the batch but keep draining events until it settles.
			if !m.quitting {
				m.quitting = true
				m.cancel()
			}
			return m, nil
		}

	case batchSnapshotMsg:
		m.finished = msg.Completed + msg.Failed
		m.failed = msg.Failed
		delete(m.active, msg.CurrentKey)
		return m, m.waitForEvent()

	case itemProgressMsg:
		m.active[msg.key] = msg.progress
		return m, m.waitForEvent()

	case batchDoneMsg:
		m.done = true
		m.result = msg.result
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m batchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m batchModel) renderContent() string {
	if m.done {
		// Leave the screen to the summary printed after the program exits.
		return ""
	}

	var b strings.Builder

	header := fmt.Sprintf("Converting %d document(s) on %s", m.total, m.label)
	if m.quitting {
		header = "Cancelling..."
	}
	fmt.Fprintf(&b, "%s  %s\n\n", m.theme.statusStyle().Render(header),
		m.theme.hintStyle().Render(formatElapsed(time.Since(m.started))))

	pct := 0.0
	if m.total > 0 {
		pct = float64(m.finished) / float64(m.total)
	}
	counts := fmt.Sprintf("%d/%d done", m.finished, m.total)
	if m.failed > 0 {
		counts += m.theme.errorStyle().Render(fmt.Sprintf(" (%d failed)", m.failed))
	}
	fmt.Fprintf(&b, "  %s %s\n", m.progress.ViewAs(pct), counts)

	// In-flight items, stable order
	for _, key := range slices.Sorted(maps.Keys(m.active)) {
		p := m.active[key]
		fmt.Fprintf(&b, "  • %-30s %s\n", filepath.Base(key), describeProgress(p))
	}

	if !m.quitting {
		fmt.Fprintf(&b, "\n%s\n", m.theme.hintStyle().Render("Press q to cancel"))
	}

	return b.String()
}

// describeProgress renders one item's poll state.
func describeProgress(p convert.Progress) string {
	switch p.State {
	case backend.StatePending:
		return fmt.Sprintf("queued (attempt %d, %s)", p.Attempt, formatElapsed(p.Elapsed))
	default:
		return fmt.Sprintf("processing (attempt %d, %s)", p.Attempt, formatElapsed(p.Elapsed))
	}
}

func formatElapsed(d time.Duration) string {
	return d.Round(time.Second).String()
}

// waitForEvent pumps the next batch event into the program.
func (m batchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.events
		if !ok {
			return nil
		}
		return msg
	}
}

// tickCmd returns a command that refreshes the display once a second.
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runBatchTUI drives the batch behind the interactive progress display.
// Pressing q cancels the batch; the display stays up until every item
// has settled either way.
func runBatchTUI(ctx context.Context, conv *convert.Converter, items []convert.BatchItem, opts backend.Options, concurrency int) (*convert.BatchResult, error) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 64)
	go func() {
		result := conv.ConvertBatch(batchCtx, items, opts, convert.BatchOptions{
			Concurrency: concurrency,
			OnProgress: func(bp convert.BatchProgress) {
				events <- batchSnapshotMsg(bp)
			},
			OnItemProgress: func(key string, p convert.Progress) {
				events <- itemProgressMsg{key: key, progress: p}
			},
		})
		events <- batchDoneMsg{result: result}
		close(events)
	}()

	model := newBatchModel(events, cancel, len(items), conv.Backend().Label())
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		// Unblock the batch goroutine before giving up on the display.
		cancel()
		go func() {
			for range events {
			}
		}()
		return nil, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(batchModel)
	if !ok || m.result == nil {
		return nil, fmt.Errorf("progress UI stopped before the batch finished")
	}
	return m.result, nil
}
