package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// Output formats the backends can produce.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatHTML     = "html"
	FormatChunks   = "chunks"
)

// ParseFormat validates a user-supplied output format.
func ParseFormat(s string) (string, error) {
	switch s {
	case "":
		return FormatMarkdown, nil
	case FormatMarkdown, FormatJSON, FormatHTML, FormatChunks:
		return s, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want markdown, json, html or chunks)", s)
	}
}

// Options are the conversion toggles sent with a submission. The zero
// value requests a plain markdown conversion.
type Options struct {
	// OutputFormat is one of the Format constants; empty means markdown.
	OutputFormat string

	// Langs hints the OCR languages, e.g. ["en", "de"].
	Langs []string

	// Paginate inserts page delimiters into the output.
	Paginate bool

	// FormatLines reformats OCR line breaks.
	FormatLines bool

	// UseLLM enables the backend's LLM enhancement pass. The local
	// backend needs a Gemini key forwarded for this.
	UseLLM bool

	// DisableImageExtraction skips extracting embedded images.
	DisableImageExtraction bool

	// RedoInlineMath re-runs inline math recognition.
	RedoInlineMath bool

	// GeminiAPIKey is forwarded to the local backend when UseLLM is set.
	// The paid backend runs its LLM pass with its own credentials.
	GeminiAPIKey string
}

// FormFields encodes the options as the multipart fields shared by all
// backend variants. Booleans travel as "true"/"false" strings. Credential
// fields are added by the individual backends, not here.
func (o Options) FormFields() map[string]string {
	format := o.OutputFormat
	if format == "" {
		format = FormatMarkdown
	}

	fields := map[string]string{
		"output_format":            format,
		"paginate":                 strconv.FormatBool(o.Paginate),
		"format_lines":             strconv.FormatBool(o.FormatLines),
		"use_llm":                  strconv.FormatBool(o.UseLLM),
		"disable_image_extraction": strconv.FormatBool(o.DisableImageExtraction),
		"redo_inline_math":         strconv.FormatBool(o.RedoInlineMath),
	}
	if len(o.Langs) > 0 {
		fields["langs"] = strings.Join(o.Langs, ",")
	}
	return fields
}

// Validate rejects option combinations no backend can serve.
func (o Options) Validate() error {
	if _, err := ParseFormat(o.OutputFormat); err != nil {
		return err
	}
	for _, lang := range o.Langs {
		if strings.TrimSpace(lang) == "" {
			return fmt.Errorf("empty language code in langs")
		}
	}
	return nil
}
