// Package server implements the docprepd relay daemon: an HTTP facade
// that accepts conversion uploads, drives a configured backend, and
// serves results over the same wire protocol the backends speak.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/convert"
	"github.com/raphaelgruber/docprep/internal/document"
	"github.com/raphaelgruber/docprep/internal/metrics"
)

// shutdownTimeout bounds how long in-flight requests may linger once
// the daemon has been told to stop.
const shutdownTimeout = 10 * time.Second

type submitResponse struct {
	Success         bool   `json:"success"`
	RequestID       string `json:"request_id"`
	RequestCheckURL string `json:"request_check_url"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Markdown string `json:"markdown,omitempty"`
	Error    string `json:"error,omitempty"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Backend    string `json:"backend"`
	ActiveJobs int    `json:"active_jobs"`
}

// Server relays uploads to a conversion backend and tracks the
// resulting jobs until clients collect them.
type Server struct {
	conv    *convert.Converter
	jobs    *JobManager
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a relay server driving the given converter. The collector
// may be nil; the metrics endpoint then reports an empty snapshot.
func New(conv *convert.Converter, collector *metrics.Collector, logger *slog.Logger) *Server {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		conv:    conv,
		jobs:    NewJobManager(),
		metrics: collector,
		logger:  logger,
	}
}

// Handler returns the daemon's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /marker", s.handleConvert)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return withLogging(s.logger, mux)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// and aborts any conversions still in flight.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // uploads can be large
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("docprepd listening", "addr", addr, "backend", s.conv.Backend().Label())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down", "active_jobs", s.jobs.Active())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.jobs.CancelAll()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxFileSize+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		s.writeDetail(w, http.StatusBadRequest, "Only PDF files are supported")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeDetail(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
			return
		}
		s.writeDetail(w, http.StatusInternalServerError, "read upload: "+err.Error())
		return
	}

	opts, err := optionsFromForm(r)
	if err != nil {
		s.writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	doc := document.FromBytes(header.Filename, data)

	ctx, cancelJob := context.WithCancel(context.Background())
	job := s.jobs.Create(header.Filename, cancelJob)

	s.logger.Info("conversion accepted",
		"request_id", job.ID,
		"file", header.Filename,
		"size", len(data),
		"format", opts.OutputFormat)

	go s.relay(ctx, job.ID, doc, opts)

	s.writeJSON(w, http.StatusOK, submitResponse{
		Success:         true,
		RequestID:       job.ID,
		RequestCheckURL: checkURL(r, job.ID),
	})
}

// relay drives one conversion to completion in the background.
func (s *Server) relay(ctx context.Context, id string, doc document.Document, opts backend.Options) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("relay goroutine panicked", "request_id", id, "panic", r)
			s.jobs.Fail(id, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	job := convert.NewJob(doc, opts)
	result := s.conv.Convert(ctx, job, func(p convert.Progress) {
		s.logger.Debug("relay poll", "request_id", id, "attempt", p.Attempt, "state", string(p.State))
	})

	if result.Success() {
		s.jobs.Complete(id, result.Markdown)
		s.logger.Info("relay complete", "request_id", id, "attempts", result.Attempts, "elapsed", result.Elapsed)
		return
	}

	s.jobs.Fail(id, result.Err.Error())
	s.logger.Warn("relay failed", "request_id", id, "error", result.Err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.jobs.Status(r.PathValue("id"))
	if !ok {
		s.writeDetail(w, http.StatusNotFound, "Request ID not found")
		return
	}

	resp := statusResponse{Status: snap.Status}
	switch snap.Status {
	case statusComplete:
		resp.Markdown = snap.Markdown
	case statusError:
		resp.Error = snap.Error
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "online",
		Service:    "docprepd",
		Backend:    s.conv.Backend().Label(),
		ActiveJobs: s.jobs.Active(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// optionsFromForm decodes the conversion toggles from multipart fields.
// Boolean fields accept "true", "1" and "yes", like the upstream server.
func optionsFromForm(r *http.Request) (backend.Options, error) {
	format, err := backend.ParseFormat(r.FormValue("output_format"))
	if err != nil {
		return backend.Options{}, err
	}

	var langs []string
	for _, lang := range strings.Split(r.FormValue("langs"), ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			langs = append(langs, lang)
		}
	}

	return backend.Options{
		OutputFormat:           format,
		Langs:                  langs,
		Paginate:               formBool(r, "paginate"),
		FormatLines:            formBool(r, "format_lines"),
		UseLLM:                 formBool(r, "use_llm"),
		DisableImageExtraction: formBool(r, "disable_image_extraction"),
		RedoInlineMath:         formBool(r, "redo_inline_math"),
		GeminiAPIKey:           r.FormValue("api_key"),
	}, nil
}

func formBool(r *http.Request, field string) bool {
	switch strings.ToLower(r.FormValue(field)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// checkURL builds the absolute status URL clients poll for this job.
func checkURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/status/%s", scheme, r.Host, id)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", "error", err)
	}
}

func (s *Server) writeDetail(w http.ResponseWriter, code int, detail string) {
	s.writeJSON(w, code, detailResponse{Detail: detail})
}
