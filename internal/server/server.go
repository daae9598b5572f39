package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/moor-sh/moor/internal/notify"
	"github.com/moor-sh/moor/internal/session"
)

// Server exposes the session core to the UI chrome over HTTP and
// websockets. It is the only consumer of the session manager's façade.
type Server struct {
	sessions *session.Manager
	notify   *notify.Manager
	logger   *slog.Logger
	httpSrv  *http.Server

	persistDefault bool
	shutdownWait   time.Duration
	version        string
}

type Config struct {
	Addr            string
	Logger          *slog.Logger
	Sessions        *session.Manager
	NotifyManager   *notify.Manager
	PersistDefault  bool
	ShutdownTimeout time.Duration
	Version         string
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		sessions:       cfg.Sessions,
		notify:         cfg.NotifyManager,
		logger:         logger,
		persistDefault: cfg.PersistDefault,
		shutdownWait:   cfg.ShutdownTimeout,
		version:        cfg.Version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("POST /api/v1/host/reprobe", s.handleReprobe)

	mux.HandleFunc("GET /api/v1/terminals", s.handleListTerminals)
	mux.HandleFunc("POST /api/v1/terminals", s.handleEnsureTerminal)
	mux.HandleFunc("GET /api/v1/terminals/{id}", s.handleGetTerminal)
	mux.HandleFunc("DELETE /api/v1/terminals/{id}", s.handleCloseTerminal)
	mux.HandleFunc("POST /api/v1/terminals/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /api/v1/terminals/{id}/ws", s.handleTerminalWS)

	mux.HandleFunc("GET /api/v1/events", s.handleEventsWS)

	mux.HandleFunc("GET /api/v1/orphans", s.handleListOrphans)
	mux.HandleFunc("POST /api/v1/orphans/restore", s.handleRestoreOrphan)

	if s.notify != nil {
		mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
		mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
		mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

// Shutdown detaches or kills every supervised session before closing the
// listener; persistent sessions survive on the host for the next run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	settleCtx, cancel := context.WithTimeout(ctx, s.shutdownWait)
	defer cancel()
	if err := s.sessions.ShutdownAll(settleCtx); err != nil {
		s.logger.Warn("sessions did not fully settle", "err", err)
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":       s.version,
		"hostname":      hostname,
		"hostAvailable": s.sessions.HostAvailable(),
	})
}

func (s *Server) handleReprobe(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]bool{
		"hostAvailable": s.sessions.ReprobeHost(),
	})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	records := s.sessions.List()
	infos := make([]session.Info, len(records))
	for i, rec := range records {
		infos[i] = rec.Info()
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"terminals": infos})
}

func (s *Server) handleEnsureTerminal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Cwd     string `json:"cwd"`
		Shell   string `json:"shell"`
		Persist *bool  `json:"persist"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	id := uuid.New()
	if req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "id must be a UUID")
			return
		}
		id = parsed
	}
	if req.Cwd == "" {
		home, _ := os.UserHomeDir()
		req.Cwd = home
	}
	persist := s.persistDefault
	if req.Persist != nil {
		persist = *req.Persist
	}

	rec, err := s.sessions.EnsureTerminal(id, req.Cwd, req.Shell, persist)
	if err != nil {
		if errors.Is(err, session.ErrSpawnFailed) {
			writeError(w, http.StatusBadGateway, "spawn_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, rec.Info())
}

func (s *Server) handleGetTerminal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, found := s.sessions.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "terminal not found: "+id.String())
		return
	}
	writeJSONResponse(w, http.StatusOK, rec.Info())
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.CloseTerminal(id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 || req.Cols > math.MaxUint16 || req.Rows > math.MaxUint16 {
		writeError(w, http.StatusBadRequest, "bad_request", "cols and rows must be between 1 and 65535")
		return
	}
	s.sessions.Resize(id, uint16(req.Cols), uint16(req.Rows))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.sessions.ListOrphans()
	if err != nil {
		writeError(w, http.StatusBadGateway, "host_error", err.Error())
		return
	}

	now := time.Now()
	type orphanView struct {
		session.Orphan
		AgeSeconds int64 `json:"ageSeconds"`
	}
	views := make([]orphanView, len(orphans))
	for i, o := range orphans {
		views[i] = orphanView{Orphan: o, AgeSeconds: int64(o.Age(now).Seconds())}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orphans": views})
}

func (s *Server) handleRestoreOrphan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	rec, err := s.sessions.RestoreOrphan(req.Name)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, rec.Info())
}

// --- Push handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "endpoint is required")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- helpers ---

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
