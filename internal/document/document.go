// Package document models input documents and their pre-submission validation.
package document

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxFileSize is the largest document accepted for conversion (200MB).
	// Matches the upload cap enforced by the hosted backends.
	MaxFileSize = 200 << 20

	// DefaultContentType is used when the type cannot be derived from the name.
	DefaultContentType = "application/octet-stream"
)

// pdfMagic is the signature every well-formed PDF starts with.
var pdfMagic = []byte("%PDF-")

// Document is one input to a conversion: an opaque payload plus the
// metadata the backends need to accept it.
type Document struct {
	// Name is the original filename, used for display, output naming,
	// and the multipart filename field.
	Name string

	// Size is the payload size in bytes.
	Size int64

	// ContentType is the MIME type sent with the upload.
	ContentType string

	// Open returns a fresh reader over the payload. It may be called
	// more than once (each submission opens its own reader).
	Open func() (io.ReadCloser, error)
}

// FromFile builds a Document backed by a file on disk.
func FromFile(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return Document{}, fmt.Errorf("stat document: %s is a directory", path)
	}

	name := filepath.Base(path)
	return Document{
		Name:        name,
		Size:        info.Size(),
		ContentType: contentTypeFor(name),
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open document: %w", err)
			}
			return f, nil
		},
	}, nil
}

// FromBytes builds an in-memory Document, mainly for tests and the relay
// server's upload handling.
func FromBytes(name string, data []byte) Document {
	return Document{
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentTypeFor(name),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// contentTypeFor derives a MIME type from the filename extension.
func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return DefaultContentType
}

// ValidationError describes why a document was rejected before submission.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Reason)
}

// Validate checks a document against the constraints shared by all
// backends: PDF extension, PDF magic bytes, non-empty, and within the
// size cap. The first violated rule is returned.
func Validate(doc Document) error {
	if doc.Name == "" {
		return &ValidationError{Name: "(unnamed)", Reason: "document has no name"}
	}
	if ext := strings.ToLower(filepath.Ext(doc.Name)); ext != ".pdf" {
		return &ValidationError{Name: doc.Name, Reason: "only PDF files are supported"}
	}
	if doc.Size == 0 {
		return &ValidationError{Name: doc.Name, Reason: "document is empty"}
	}
	if doc.Size > MaxFileSize {
		return &ValidationError{
			Name:   doc.Name,
			Reason: fmt.Sprintf("file size exceeds the maximum allowed size of %d MB", MaxFileSize/(1<<20)),
		}
	}
	if doc.Open == nil {
		return &ValidationError{Name: doc.Name, Reason: "document payload is not readable"}
	}

	r, err := doc.Open()
	if err != nil {
		return &ValidationError{Name: doc.Name, Reason: err.Error()}
	}
	defer r.Close()

	head := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(r, head); err != nil {
		return &ValidationError{Name: doc.Name, Reason: "file is too short to be a PDF"}
	}
	if !bytes.Equal(head, pdfMagic) {
		return &ValidationError{Name: doc.Name, Reason: "file does not look like a PDF (bad signature)"}
	}

	return nil
}
