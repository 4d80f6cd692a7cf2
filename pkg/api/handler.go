package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jdziat/court-ocr-jobs/pkg/core"
	"github.com/jdziat/court-ocr-jobs/pkg/security"
)

// maxSelectionBody bounds the JSON body of a selection request.
const maxSelectionBody = 64 << 10

// Handler creates an http.Handler exposing job status reads and, for each
// collaborator configured through options, the routes that need it. Routes
// without their collaborator answer 501.
//
// Usage:
//
//	srv := &http.Server{Addr: ":8080", Handler: api.Handler(store, api.WithRunner(q))}
func Handler(store core.Storage, opts ...Option) http.Handler {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	s := &server{store: store, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/document/{id}/run_ocr", s.runOCR)
	mux.HandleFunc("GET /api/document/{id}/ocr-progress", s.progress)
	mux.HandleFunc("GET /api/document/{id}/ocr-text", s.readText)
	mux.HandleFunc("PUT /api/document/{id}/ocr-text", s.updateText)
	mux.HandleFunc("POST /api/document/{id}/ocr-text", s.updateText)
	mux.HandleFunc("POST /api/document/{id}/ocr-selection", s.selection)
	mux.HandleFunc("GET /api/opinion/{id}/ocr-status", s.groupStatus)
	mux.HandleFunc("GET /api/stats", s.history)
	mux.HandleFunc("GET /healthz", s.health)

	// H2C lets clients poll progress over a single cleartext HTTP/2 connection.
	h2cHandler := h2c.NewHandler(mux, &http2.Server{})

	if cfg.middleware != nil {
		return cfg.middleware(h2cHandler)
	}
	return h2cHandler
}

type server struct {
	store core.Storage
	cfg   *config
}

func (s *server) runOCR(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	if s.cfg.runner == nil {
		notConfigured(w)
		return
	}
	queued, err := s.cfg.runner.RequestRun(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"doc_id":  id,
		"queued":  queued,
	})
}

func (s *server) progress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	state, err := s.store.GetJobStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) readText(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	if s.cfg.texts == nil {
		notConfigured(w)
		return
	}
	if _, err := s.store.GetDocument(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	text, err := s.cfg.texts.Read(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"doc_id":  id,
		"text":    text,
		"has_ocr": len(text) > 0,
	})
}

// updateText accepts a JSON body {"text": "..."} or a form field text_content.
func (s *server) updateText(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	if s.cfg.texts == nil {
		notConfigured(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, security.MaxTextSize+maxSelectionBody)
	text, err := textFromRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, core.ErrTextTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update, err := s.cfg.texts.Update(r.Context(), id, text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"action":     update.Action,
		"ocr_doc_id": update.ResultID,
	})
}

func textFromRequest(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(security.MaxTextSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", err
		}
		if _, ok := r.Form["text_content"]; !ok {
			return "", errors.New("missing text_content")
		}
		return r.FormValue("text_content"), nil
	default:
		var body struct {
			Text *string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", err
		}
		if body.Text == nil {
			return "", errors.New("missing text")
		}
		return *body.Text, nil
	}
}

func (s *server) selection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	if s.cfg.selector == nil {
		notConfigured(w)
		return
	}

	// Absent fields select the whole first page.
	sel := core.Selection{Page: 1, X2: 1, Y2: 1}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSelectionBody)).Decode(&sel); err != nil {
		writeError(w, http.StatusBadRequest, "invalid selection body")
		return
	}

	res, err := s.cfg.selector.Recognize(r.Context(), id, sel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) groupStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.docID(w, r)
	if !ok {
		return
	}
	group, err := s.store.GetGroupStatus(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// history returns stats buckets. Query: queue, since and until (RFC 3339).
// since defaults to one hour ago.
func (s *server) history(w http.ResponseWriter, r *http.Request) {
	if s.cfg.stats == nil {
		notConfigured(w)
		return
	}
	q := r.URL.Query()
	since := time.Now().Add(-time.Hour)
	var until time.Time
	for key, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key+" timestamp")
			return
		}
		*dst = t
	}

	rows, err := s.cfg.stats.History(r.Context(), q.Get("queue"), since, until)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.cfg.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) docID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 0)
	if err != nil || security.ValidateDocumentID(uint(n)) != nil {
		writeError(w, http.StatusBadRequest, core.ErrInvalidDocumentID.Error())
		return 0, false
	}
	return uint(n), true
}

// fail maps err onto a status code. Unexpected errors are logged and answered
// with a sanitised message.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.cfg.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, security.SanitizeErrorMessage(err.Error()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrDocumentNotFound), errors.Is(err, core.ErrSourceMissing):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidDocumentID),
		errors.Is(err, core.ErrInvalidSelection),
		errors.Is(err, core.ErrPageOutOfRange),
		errors.Is(err, core.ErrUnsupportedMedia):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTextTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func notConfigured(w http.ResponseWriter) {
	writeError(w, http.StatusNotImplemented, "not configured")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
