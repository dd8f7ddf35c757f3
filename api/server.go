// Package api serves the read-only query surface over the record store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

// StatusSource reports the poll loop outcome. *syncer.Runner implements it.
type StatusSource interface {
	State() syncer.RunnerState
	LastReport() *syncer.Report
	LatestChanges() *syncer.Report
	LastError() error
	LastRunAt() time.Time
}

type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	DefaultPageSize int
}

type Server struct {
	cfg     Config
	store   syncer.Reader
	status  StatusSource
	hub     *Hub
	metrics http.Handler
	logger  *slog.Logger

	mux    *http.ServeMux
	server *http.Server
}

// NewServer wires the routes. status, hub and metrics may be nil; their endpoints then degrade.
func NewServer(cfg Config, store syncer.Reader, status StatusSource, hub *Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = syncer.DefaultPageSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		status:  status,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/interventions", s.handleList)
	s.mux.HandleFunc("GET /api/interventions/newer", s.handleNewer)
	s.mux.HandleFunc("GET /api/interventions/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	s.mux.HandleFunc("GET /api/changes/latest", s.handleLatestChanges)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if hub != nil {
		s.mux.Handle("GET /api/ws", hub)
	}
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Serve blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Serve() error {
	s.logger.Info("listening", "addr", s.cfg.Listen)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), s.cfg.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}
	limit, offset = syncer.ClampPage(limit, offset)
	f, err := filterParams(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	recs, err := s.store.Page(ctx, f, limit, offset)
	if err != nil {
		s.storeFailure(w, "page", err)
		return
	}
	total, err := s.store.Count(ctx, f)
	if err != nil {
		s.storeFailure(w, "count", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Interventions: viewsOf(recs),
		Limit:         limit,
		Offset:        offset,
		Total:         total,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 0)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rec, err := s.store.Get(r.Context(), uint(id))
	if err != nil {
		s.storeFailure(w, "get", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "intervention not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*rec))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	f, err := filterParams(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.store.Stats(r.Context(), f)
	if err != nil {
		s.storeFailure(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNewer(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing since (DD.MM.YYYY HH:MM)")
		return
	}
	since, err := syncer.ParseTimestamp(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since, want DD.MM.YYYY HH:MM")
		return
	}
	rec, err := s.store.NewerThan(r.Context(), since)
	if err != nil {
		s.storeFailure(w, "newer", err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, newerResponse{Found: false})
		return
	}
	v := viewOf(*rec)
	writeJSON(w, http.StatusOK, newerResponse{Found: true, Intervention: &v})
}

func (s *Server) handleLatestChanges(w http.ResponseWriter, r *http.Request) {
	var rep *syncer.Report
	if s.status != nil {
		rep = s.status.LatestChanges()
	}
	if rep == nil {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "report": reportView(rep)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store ping failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "offline", Error: err.Error()})
		return
	}
	resp := statusResponse{Status: "online"}
	if cur, ok, err := s.store.Cursor(ctx); err == nil && ok {
		resp.Cursor = syncer.FormatTimestamp(cur)
	}
	if n, err := s.store.Count(ctx, syncer.Filter{}); err == nil {
		resp.Total = &n
	}
	if s.status != nil {
		resp.Scheduler = string(s.status.State())
		if t := s.status.LastRunAt(); !t.IsZero() {
			resp.LastRun = t.UTC().Format(time.RFC3339)
		}
		if err := s.status.LastError(); err != nil {
			resp.LastError = err.Error()
		}
		if rep := s.status.LastReport(); rep != nil {
			resp.LastDigest = rep.SnapshotDigest
		}
	}
	if s.hub != nil {
		n := s.hub.ClientCount()
		resp.WSClients = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error) {
	s.logger.Error("store query failed", "op", op, "err", err)
	writeError(w, http.StatusServiceUnavailable, "store unavailable")
}

// filterParams reads state, event_type, region and district. Each may repeat
// or carry a comma separated list.
func filterParams(q url.Values) (syncer.Filter, error) {
	f := syncer.Filter{
		States:     listParam(q["state"]),
		EventTypes: listParam(q["event_type"]),
		Regions:    listParam(q["region"]),
		Districts:  listParam(q["district"]),
	}
	return f.Clean()
}

func listParam(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
