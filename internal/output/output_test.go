package output_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/markdown"
	"github.com/raphaelgruber/docprep/internal/output"
)

func TestWriteDerivesFilename(t *testing.T) {
	dir := t.TempDir()
	w := output.New(dir)

	path, err := w.Write("docs/Quarterly Report.pdf", backend.FormatMarkdown, "# Q3\n", output.Meta{})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "Quarterly Report.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Q3\n", string(data))
}

func TestWriteFormatExtensions(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{backend.FormatMarkdown, "report.md"},
		{backend.FormatJSON, "report.json"},
		{backend.FormatHTML, "report.html"},
		{backend.FormatChunks, "report.chunks.json"},
	}

	for _, tt := range tests {
		dir := t.TempDir()
		path, err := output.New(dir).Write("report.pdf", tt.format, "x", output.Meta{})
		require.NoError(t, err)
		assert.Equal(t, tt.want, filepath.Base(path))
	}
}

func TestWriteNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	w := output.New(dir)

	first, err := w.Write("report.pdf", backend.FormatMarkdown, "one", output.Meta{})
	require.NoError(t, err)
	second, err := w.Write("report.pdf", backend.FormatMarkdown, "two", output.Meta{})
	require.NoError(t, err)
	third, err := w.Write("report.pdf", backend.FormatMarkdown, "three", output.Meta{})
	require.NoError(t, err)

	assert.Equal(t, "report.md", filepath.Base(first))
	assert.Equal(t, "report-2.md", filepath.Base(second))
	assert.Equal(t, "report-3.md", filepath.Base(third))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data), "original file must keep its content")
}

func TestWriteCreatesNestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "converted")
	_, err := output.New(dir).Write("a.pdf", backend.FormatMarkdown, "x", output.Meta{})
	require.NoError(t, err)
}

func TestWriteFrontmatter(t *testing.T) {
	dir := t.TempDir()
	w := output.New(dir, output.WithFrontmatter())

	meta := output.Meta{
		Title:     "Quarterly Report",
		Source:    "report.pdf",
		Backend:   "Marker server",
		Format:    "markdown",
		Langs:     []string{"en", "de"},
		RequestID: "req-7781",
		Duration:  "3m12s",
		Created:   time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
	}
	path, err := w.Write("report.pdf", backend.FormatMarkdown, "# Q3\n\nNumbers.\n", meta)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.True(t, strings.HasPrefix(content, "---\n"), "frontmatter fence missing")
	assert.Contains(t, content, "source: report.pdf")
	assert.Contains(t, content, "backend: Marker server")
	assert.Contains(t, content, "request_id: req-7781")
	assert.Contains(t, content, "duration: 3m12s")

	// The written file must round-trip through the markdown parser.
	doc, err := markdown.Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Report", doc.Title)
	assert.Equal(t, []string{"en", "de"}, doc.GetFrontmatterStringSlice("langs"))
	assert.Contains(t, doc.Content, "# Q3")
}

func TestWriteFrontmatterSkippedForJSON(t *testing.T) {
	dir := t.TempDir()
	w := output.New(dir, output.WithFrontmatter())

	path, err := w.Write("report.pdf", backend.FormatJSON, `{"pages": []}`, output.Meta{Source: "report.pdf"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"pages": []}`, string(data))
}
