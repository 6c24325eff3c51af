package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"azimind/internal/logging"
	"azimind/internal/state"
	"azimind/internal/store"
	"azimind/internal/types"
)

// Server exposes the snapshot and event-injection endpoints.
type Server struct {
	baseDir string
	st      *store.Store
	builder *Builder
	log     *logging.Logger

	// Addr is the listen address, default 127.0.0.1:8787.
	Addr string
}

// NewServer builds the panel HTTP server over the shared store.
func NewServer(baseDir string, st *store.Store) *Server {
	return &Server{
		baseDir: baseDir,
		st:      st,
		builder: NewBuilder(st),
		log:     logging.Get(logging.CategoryPanel),
		Addr:    "127.0.0.1:8787",
	}
}

// Handler returns the panel route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/event", s.handleEvent)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("panel listen %s: %w", s.Addr, err)
	}
	s.log.Info("panel listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method_not_allowed"})
		return
	}
	rs := state.Load(filepath.Join(s.baseDir, "runtime_state.json"))
	writeJSON(w, http.StatusOK, s.builder.BuildSnapshot(rs))
}

type eventRequest struct {
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method_not_allowed"})
		return
	}
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid_json"})
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "content_required"})
		return
	}
	if req.Source == "" {
		req.Source = "panel"
	}
	if req.EventType == "" {
		req.EventType = types.EventInput
	}
	id, err := s.st.AppendEvent(req.Source, req.EventType, req.Content, req.Meta)
	if err != nil {
		s.log.Error("panel event append: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "append_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event_id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method_not_allowed"})
		return
	}
	records, err := s.st.RecentHealth(12)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "health_read_failed"})
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, h := range records {
		out = append(out, map[string]any{
			"ts":        h.TS.Format("2006-01-02T15:04:05"),
			"component": h.Component,
			"status":    h.Status,
			"detail":    h.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": out})
}
