// Package server exposes the agent over HTTP: the agent card, the
// execute endpoint, health, the Prometheus endpoint, and a legacy
// webhook shim. Transport errors use HTTP status codes; application
// failures travel as {success:false} bodies with status 200.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/a2a"
	"github.com/downstreamhq/downstream/agent"
	"github.com/downstreamhq/downstream/skills"
	"github.com/downstreamhq/downstream/task"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// Server routes agent HTTP traffic to the skill registry.
type Server struct {
	card      agent.CardInfo
	registry  *agent.Registry
	tasks     task.Store
	peers     *a2a.Peers
	pinger    Pinger
	authToken string
	cors      []string
}

// Option configures the server.
type Option func(*Server)

// WithAuthToken sets the bearer token protected skills require. An
// empty token disables authentication.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.cors = origins }
}

// WithPinger sets the database health probe. Without one the health
// endpoint reports the database as healthy unconditionally.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// New creates a server over the registry and its collaborators.
func New(card agent.CardInfo, reg *agent.Registry, tasks task.Store, peers *a2a.Peers, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if peers == nil {
		return nil, fmt.Errorf("peers is required")
	}
	s := &Server{card: card, registry: reg, tasks: tasks, peers: peers}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler builds the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/.well-known/agent.json", s.handleCard)
	r.Post("/a2a/execute", s.handleExecute)
	r.Post("/a2a/cancel", s.handleCancel)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/webhook/change-notification", s.handleWebhook)
	return r
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agent.Card(s.card, s.registry))
}

// executeRequest is the execute endpoint envelope.
type executeRequest struct {
	SkillID string         `json:"skill_id"`
	Input   map[string]any `json:"input"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.SkillID == "" {
		writeError(w, http.StatusBadRequest, "skill_id is required")
		return
	}
	if _, ok := s.registry.Lookup(req.SkillID); !ok {
		writeError(w, http.StatusNotFound, "unknown skill: %s", req.SkillID)
		return
	}
	if s.registry.IsProtected(req.SkillID) && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "authentication required for skill %s", req.SkillID)
		return
	}

	log.Print(r.Context(), log.KV{K: "msg", V: "executing skill"}, log.KV{K: "skill_id", V: req.SkillID})
	result := s.registry.Execute(r.Context(), req.SkillID, req.Input)
	writeJSON(w, http.StatusOK, result)
}

// handleCancel acknowledges a cancellation request. Cancellation is
// advisory: nothing is interrupted, terminal tasks keep their state, and
// the acknowledgment is returned even for unknown task ids. The current
// status is attached when the task is known.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	body := agent.OK(map[string]any{
		"task_id": req.TaskID,
		"message": "cancellation requested",
	})
	if t, err := s.tasks.Get(r.Context(), req.TaskID); err == nil {
		body["status"] = string(t.Status)
	}
	writeJSON(w, http.StatusOK, body)
}

// handleHealth always answers 200; a degraded database surfaces through
// the status field, not the HTTP status, so probes can read the document.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	skillIDs := s.registry.IDs()
	body := map[string]any{
		"agent":             s.card.Name,
		"status":            "healthy",
		"skills_registered": len(skillIDs),
		"skills":            skillIDs,
	}
	if s.pinger != nil {
		if err := s.pinger.Healthy(ctx); err != nil {
			body["status"] = "unhealthy"
			body["database"] = map[string]any{"healthy": false, "error": err.Error()}
		} else {
			body["database"] = map[string]any{"healthy": true}
		}
	}
	if stats, err := s.tasks.Stats(ctx); err == nil {
		body["task_queue"] = map[string]any{
			"queued":     stats.Queued,
			"processing": stats.Processing,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"total":      stats.Total,
		}
	}
	if names := s.peers.Names(); len(names) > 0 {
		body["external_agents"] = s.peers.HealthCheckAll(ctx)
	}

	writeJSON(w, http.StatusOK, body)
}

// handleWebhook is the legacy webhook path. It re-enters the registry
// as receive_change_notification so validation, auth, and metrics stay
// in one place.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if s.registry.IsProtected(skills.IDReceiveChangeNotification) && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	result := s.registry.Execute(r.Context(), skills.IDReceiveChangeNotification, input)
	writeJSON(w, http.StatusOK, result)
}

// authorized checks the bearer token with a constant-time compare. An
// empty configured token disables authentication.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	})
}
