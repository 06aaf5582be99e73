// Package httpapi exposes read-only HTTP visibility into the reconciliation
// engine: liveness/readiness probes and an operator status surface over
// reflection entry state. It never accepts writes — every mutation to
// reconciliation state flows through pkg/manager's run() loop, not a
// request handler, preserving the single-threaded invariant.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/harunoni/reflection-manager/pkg/manager"
	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/store"
)

// Leader reports whether this replica currently holds the reconciliation
// lease. ha.LeaderElector satisfies this; it is accepted as an interface
// so tests can stub it without standing up a Kubernetes client.
type Leader interface {
	IsLeader() bool
}

// Server wires chi handlers over the manager's stores for status reporting.
// It holds no mutable reconciliation state of its own.
type Server struct {
	entries store.EntryStore
	goals   store.GoalStore
	mgr     *manager.Manager
	leader  Leader
	db      *gorm.DB

	startedAt time.Time
}

// Deps bundles Server's collaborators. DB and Leader are optional: a
// single-replica deployment with no leader election or a memory-store test
// harness can leave them nil, degrading /readyz and the status leader field
// accordingly.
type Deps struct {
	Entries store.EntryStore
	Goals   store.GoalStore
	Manager *manager.Manager
	Leader  Leader
	DB      *gorm.DB
}

func NewServer(d Deps) *Server {
	return &Server{
		entries:   d.Entries,
		goals:     d.Goals,
		mgr:       d.Manager,
		leader:    d.Leader,
		db:        d.DB,
		startedAt: time.Now(),
	}
}

// Router builds the chi.Router exposing the status surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Get("/status", s.statusHandler)
		r.Get("/reflections", s.listReflectionsHandler)
		r.Get("/reflections/{id}", s.getReflectionHandler)
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports readiness: database connectivity (when a DB is
// wired) and, when the manager has run at least once, that its first
// wakeup has happened. A fresh process with an unreachable database or
// that hasn't completed its first run() is not ready.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ready := true
	checks := map[string]string{}

	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			checks["database"] = "down: " + err.Error()
			ready = false
		} else if err := sqlDB.PingContext(r.Context()); err != nil {
			checks["database"] = "down: " + err.Error()
			ready = false
		} else {
			checks["database"] = "up"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if s.mgr != nil && s.mgr.LastWakeupTime().IsZero() {
		checks["reconciliation"] = "not yet run"
		ready = false
	} else {
		checks["reconciliation"] = "up"
	}

	status := http.StatusOK
	statusText := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusText = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": statusText, "checks": checks})
}

// statusResponse is the operator-facing snapshot of engine state.
type statusResponse struct {
	Leader         bool   `json:"leader"`
	LastWakeupTime string `json:"lastWakeupTime,omitempty"`
	Uptime         string `json:"uptime"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.leader != nil {
		resp.Leader = s.leader.IsLeader()
	}
	if s.mgr != nil {
		if wakeup := s.mgr.LastWakeupTime(); !wakeup.IsZero() {
			resp.LastWakeupTime = wakeup.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// reflectionResponse is the API projection of a ReflectionEntry, omitting
// internal bookkeeping (version tokens) not useful to an operator.
type reflectionResponse struct {
	ID                    string `json:"id"`
	DatasetID             string `json:"datasetId"`
	Name                  string `json:"name,omitempty"`
	Type                  string `json:"type,omitempty"`
	State                 string `json:"state"`
	RefreshJobID          string `json:"refreshJobId,omitempty"`
	LastSubmittedRefresh  string `json:"lastSubmittedRefresh,omitempty"`
	LastSuccessfulRefresh string `json:"lastSuccessfulRefresh,omitempty"`
	RefreshMethod         string `json:"refreshMethod,omitempty"`
	NumFailures           int    `json:"numFailures"`
	DontGiveUp            bool   `json:"dontGiveUp"`
}

func (s *Server) listReflectionsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.entries.Find(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reflections: "+err.Error())
		return
	}
	out := make([]reflectionResponse, len(entries))
	for i := range entries {
		out[i] = toReflectionResponse(&entries[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"reflections": out})
}

func (s *Server) getReflectionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.entries.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "reflection not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get reflection: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toReflectionResponse(entry))
}

func toReflectionResponse(e *model.ReflectionEntry) reflectionResponse {
	resp := reflectionResponse{
		ID:           e.ID,
		DatasetID:    e.DatasetID,
		Name:         e.Name,
		Type:         string(e.Type),
		State:        string(e.State),
		RefreshJobID: e.RefreshJobID,
		NumFailures:  e.NumFailures,
		DontGiveUp:   e.DontGiveUp,
	}
	if !e.LastSubmittedRefresh.IsZero() {
		resp.LastSubmittedRefresh = e.LastSubmittedRefresh.Format(time.RFC3339)
	}
	if !e.LastSuccessfulRefresh.IsZero() {
		resp.LastSuccessfulRefresh = e.LastSuccessfulRefresh.Format(time.RFC3339)
	}
	resp.RefreshMethod = e.RefreshMethod
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
