// Package backendtest provides a scripted in-process conversion backend
// speaking the marker wire protocol, for exercising the real HTTP clients
// without a live server.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Script describes how the fake backend answers one submission's lifecycle.
type Script struct {
	// RejectSubmit, when non-zero, fails the submission with this HTTP
	// status and RejectDetail as the payload detail.
	RejectSubmit int
	RejectDetail string

	// OmitCheckURL accepts the submission but leaves request_check_url
	// out of the response.
	OmitCheckURL bool

	// NotFoundPolls makes the first N status checks answer 404, as a
	// backend whose registry lags its submit endpoint would.
	NotFoundPolls int

	// ProcessingPolls is how many status checks report "processing"
	// before the terminal answer.
	ProcessingPolls int

	// Fail makes the terminal status "error" with ErrorMessage.
	Fail         bool
	ErrorMessage string

	// Markdown is the payload of a successful conversion. OmitMarkdown
	// reports completion without any content.
	Markdown     string
	OmitMarkdown bool

	// CompleteSuccessFalse mimics the paid API's failure shape: terminal
	// status "complete" with success=false instead of status "error".
	CompleteSuccessFalse bool

	// DropAfterTerminal deletes the job once a terminal status has been
	// served, so later polls 404. This is what the real local server does.
	DropAfterTerminal bool

	// RequireAPIKey, when set, rejects any request whose X-Api-Key header
	// does not match.
	RequireAPIKey string
}

// SubmitCapture records one accepted or rejected submission.
type SubmitCapture struct {
	Fields   map[string]string
	Filename string
	FileSize int64
	Header   http.Header
}

// Server is the running fake backend.
type Server struct {
	srv    *httptest.Server
	script Script

	mu      sync.Mutex
	nextID  int
	polls   map[string]int
	dropped map[string]bool
	submits []SubmitCapture
}

// New starts a fake backend following script. Callers own Close.
func New(script Script) *Server {
	s := &Server{
		script:  script,
		polls:   make(map[string]int),
		dropped: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /marker", s.handleSubmit)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	s.srv = httptest.NewServer(mux)
	return s
}

// Close shuts the fake backend down.
func (s *Server) Close() {
	s.srv.Close()
}

// SubmitURL is the endpoint submissions go to.
func (s *Server) SubmitURL() string {
	return s.srv.URL + "/marker"
}

// BaseURL is the server root, for health checks.
func (s *Server) BaseURL() string {
	return s.srv.URL
}

// Submits returns the captured submissions in arrival order.
func (s *Server) Submits() []SubmitCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmitCapture, len(s.submits))
	copy(out, s.submits)
	return out
}

// PollCount reports how many status checks a request id has received.
func (s *Server) PollCount(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[requestID]
}

// TotalPolls reports status checks across all request ids.
func (s *Server) TotalPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.polls {
		total += n
	}
	return total
}

func (s *Server) authorized(r *http.Request) bool {
	return s.script.RequireAPIKey == "" || r.Header.Get("X-Api-Key") == s.script.RequireAPIKey
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "invalid API key"})
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "malformed multipart body"})
		return
	}

	capture := SubmitCapture{
		Fields: map[string]string{},
		Header: r.Header.Clone(),
	}
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 {
			capture.Fields[k] = vs[0]
		}
	}
	if file, header, err := r.FormFile("file"); err == nil {
		capture.Filename = header.Filename
		n, _ := io.Copy(io.Discard, file)
		capture.FileSize = n
		file.Close()
	}

	s.mu.Lock()
	s.submits = append(s.submits, capture)
	s.nextID++
	id := fmt.Sprintf("req-%d", s.nextID)
	s.mu.Unlock()

	if s.script.RejectSubmit != 0 {
		detail := s.script.RejectDetail
		if detail == "" {
			detail = "submission rejected"
		}
		writeJSON(w, s.script.RejectSubmit, map[string]any{"detail": detail})
		return
	}

	resp := map[string]any{
		"success":    true,
		"request_id": id,
	}
	if !s.script.OmitCheckURL {
		resp["request_check_url"] = fmt.Sprintf("%s/status/%s", s.srv.URL, id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "invalid API key"})
		return
	}

	id := r.PathValue("id")

	s.mu.Lock()
	if s.dropped[id] {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Request ID not found"})
		return
	}
	s.polls[id]++
	n := s.polls[id]
	s.mu.Unlock()

	if n <= s.script.NotFoundPolls {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Request ID not found"})
		return
	}
	if n <= s.script.NotFoundPolls+s.script.ProcessingPolls {
		writeJSON(w, http.StatusOK, map[string]any{"status": "processing"})
		return
	}

	if s.script.DropAfterTerminal {
		s.mu.Lock()
		s.dropped[id] = true
		s.mu.Unlock()
	}

	switch {
	case s.script.Fail:
		msg := s.script.ErrorMessage
		if msg == "" {
			msg = "conversion failed"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "error", "error": msg})

	case s.script.CompleteSuccessFalse:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "complete",
			"success": false,
			"error":   s.script.ErrorMessage,
		})

	case s.script.OmitMarkdown:
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete"})

	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "complete",
			"success":  true,
			"markdown": s.script.Markdown,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
