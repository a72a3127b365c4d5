// Package output writes conversion results to disk, deriving filenames
// from the source document and the requested output format.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/docprep/internal/backend"
)

// Meta describes the provenance of a converted document. It is recorded
// as YAML frontmatter when the writer has frontmatter enabled.
type Meta struct {
	Title     string    `yaml:"title,omitempty"`
	Source    string    `yaml:"source"`
	Backend   string    `yaml:"backend,omitempty"`
	Format    string    `yaml:"format,omitempty"`
	Langs     []string  `yaml:"langs,omitempty,flow"`
	RequestID string    `yaml:"request_id,omitempty"`
	Duration  string    `yaml:"duration,omitempty"`
	Created   time.Time `yaml:"created"`
}

// Writer persists conversion results under a single output directory.
type Writer struct {
	dir         string
	frontmatter bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithFrontmatter prepends YAML frontmatter to markdown output files.
func WithFrontmatter() Option {
	return func(w *Writer) {
		w.frontmatter = true
	}
}

// New creates a Writer rooted at dir. The directory is created on the
// first write, not here.
func New(dir string, opts ...Option) *Writer {
	w := &Writer{dir: dir}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ext returns the file extension for an output format.
func Ext(format string) string {
	switch format {
	case backend.FormatJSON:
		return ".json"
	case backend.FormatHTML:
		return ".html"
	case backend.FormatChunks:
		return ".chunks.json"
	default:
		return ".md"
	}
}

// Write stores content under a name derived from the source document.
// Existing files are never overwritten; a numeric suffix is appended
// instead (report.md, report-2.md, ...). Returns the path written.
func (w *Writer) Write(sourceName, format, content string, meta Meta) (string, error) {
	if format == "" {
		format = backend.FormatMarkdown
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	if w.frontmatter && format == backend.FormatMarkdown {
		fm, err := renderFrontmatter(meta)
		if err != nil {
			return "", err
		}
		content = fm + content
	}

	base := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	ext := Ext(format)

	path := filepath.Join(w.dir, base+ext)
	for i := 2; ; i++ {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			path = filepath.Join(w.dir, fmt.Sprintf("%s-%d%s", base, i, ext))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create output file: %w", err)
		}

		if _, err := file.WriteString(content); err != nil {
			file.Close()
			return "", fmt.Errorf("write output file: %w", err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("close output file: %w", err)
		}
		return path, nil
	}
}

func renderFrontmatter(meta Meta) (string, error) {
	if meta.Created.IsZero() {
		meta.Created = time.Now()
	}
	body, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}
	return "---\n" + string(body) + "---\n\n", nil
}
