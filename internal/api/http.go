package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

import (
	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
	"github.com/nanjiek/pixiu-rcu/internal/registry"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg      config.ServerCfg
	registry *registry.Registry
	log      *slog.Logger
	srv      *http.Server
}

func NewServer(cfg config.ServerCfg, reg *registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		log:      logger,
	}
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/entries", guard(ResourceRead, s.listHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/entries/{key:.+}", guard(ResourceRead, s.getHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/entries/{key:.+}", guard(ResourceWrite, s.putHandler)).Methods(http.MethodPut)
	r.HandleFunc("/v1/entries/{key:.+}", guard(ResourceWrite, s.deleteHandler)).Methods(http.MethodDelete)
	r.HandleFunc("/v1/resolve/{key:.+}", guard(ResourceRead, s.resolveHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/snapshot", guard(ResourceRead, s.snapshotHandler)).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.statsHandler).Methods(http.MethodGet)
}

// Handler returns a router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Duration(s.cfg.ReadHeaderTimeoutMs) * time.Millisecond,
	}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Handlers ----------------

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revision": s.registry.Revision()})
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	defer snap.Release()
	catalog := snap.Get()

	writeJSON(w, http.StatusOK, CatalogResponse{
		Revision: catalog.Revision,
		Entries:  catalog.List(r.URL.Query().Get("prefix")),
	})
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	e, ok := s.registry.Get(key)
	if !ok {
		errResp(w, http.StatusNotFound, "entry not found: "+key)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// resolveHandler answers with the most specific entry covering key.
func (s *Server) resolveHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	e, ok := s.registry.Resolve(key)
	if !ok {
		errResp(w, http.StatusNotFound, "no entry covers: "+key)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) putHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req EntryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	saved, err := s.registry.Upsert(r.Context(), config.Entry{Key: key, Value: req.Value, Labels: req.Labels})
	if err != nil {
		s.fail(w, "failed to save entry", key, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.registry.Delete(r.Context(), key); err != nil {
		s.fail(w, "failed to delete entry", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// snapshotHandler serves the whole catalog, tagged with its revision.
func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	defer snap.Release()
	catalog := snap.Get()

	etag := `"` + strconv.FormatUint(catalog.Revision, 10) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match == etag || match == "*" {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	body := CatalogResponse{Revision: catalog.Revision, Entries: catalog.List("")}
	if r.URL.Query().Get("format") == "yaml" {
		out, err := yaml.Marshal(body)
		if err != nil {
			s.fail(w, "failed to encode snapshot", "", err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(out)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) fail(w http.ResponseWriter, msg, key string, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidKey):
		errResp(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		errResp(w, http.StatusNotFound, "entry not found: "+key)
	default:
		s.log.Error(msg, "key", key, "error", err)
		errResp(w, http.StatusInternalServerError, msg+": "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Code: status, Message: msg})
}
