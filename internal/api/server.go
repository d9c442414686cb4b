// Package api is the control-plane HTTP server: agent CRUD, deployment
// lifecycle, rollback management, host inventory, metrics, and the SSE
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cirisai/ciris-manager/internal/config"
	"github.com/cirisai/ciris-manager/internal/deployment"
	"github.com/cirisai/ciris-manager/internal/docker"
	"github.com/cirisai/ciris-manager/internal/events"
	"github.com/cirisai/ciris-manager/internal/lifecycle"
	"github.com/cirisai/ciris-manager/internal/logging"
	"github.com/cirisai/ciris-manager/internal/registry"
	"github.com/cirisai/ciris-manager/internal/templates"
)

// Error is the structured error body every failing endpoint returns.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Lifecycle is the slice of the coordinator the API exposes.
type Lifecycle interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.CreateResult, error)
	Delete(ctx context.Context, key registry.Key) error
	Start(ctx context.Context, key registry.Key) error
	Stop(ctx context.Context, key registry.Key) error
	Restart(ctx context.Context, key registry.Key) error
	UpdateConfig(ctx context.Context, key registry.Key, env map[string]*string, restart bool) error
}

// Deployments is the slice of the orchestrator the API exposes.
type Deployments interface {
	Stage(ctx context.Context, notif deployment.UpdateNotification) (*deployment.Deployment, error)
	Launch(ctx context.Context, id string) error
	Cancel(id string) error
	Reject(id, reason string) error
	Retry(ctx context.Context, id string) (*deployment.Deployment, error)
	Status(id string) (*deployment.Deployment, error)
	Active() (*deployment.Deployment, error)
	List(limit int) ([]*deployment.Deployment, error)
	Proposals() ([]*deployment.RollbackProposal, error)
	History(limit int) ([]deployment.UpdateRecord, error)
	ExecuteRollback(ctx context.Context, proposalID string) error
}

// Fleet is the slice of the Docker facade the API exposes.
type Fleet interface {
	HostIDs() []string
	Host(hostID string) (config.ServerConfig, bool)
	IsAvailable(hostID string) bool
	GetClient(hostID string) (docker.API, error)
}

// Dependencies carries everything the server's handlers need.
type Dependencies struct {
	Registry    *registry.Registry
	Fleet       Fleet
	Lifecycle   Lifecycle
	Deployments Deployments
	Templates   *templates.Store
	Bus         *events.Bus
	Log         *logging.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /v1/agents", s.apiListAgents)
	s.mux.HandleFunc("POST /v1/agents", s.apiCreateAgent)
	s.mux.HandleFunc("GET /v1/agents/{id}", s.apiGetAgent)
	s.mux.HandleFunc("DELETE /v1/agents/{id}", s.apiDeleteAgent)
	s.mux.HandleFunc("POST /v1/agents/{id}/start", s.apiStartAgent)
	s.mux.HandleFunc("POST /v1/agents/{id}/stop", s.apiStopAgent)
	s.mux.HandleFunc("POST /v1/agents/{id}/restart", s.apiRestartAgent)
	s.mux.HandleFunc("PATCH /v1/agents/{id}/config", s.apiUpdateAgentConfig)

	s.mux.HandleFunc("GET /v1/hosts", s.apiHosts)
	s.mux.HandleFunc("GET /v1/templates", s.apiTemplates)

	s.mux.HandleFunc("POST /v1/updates", s.apiStageUpdate)
	s.mux.HandleFunc("GET /v1/deployments", s.apiListDeployments)
	s.mux.HandleFunc("GET /v1/deployments/active", s.apiActiveDeployment)
	s.mux.HandleFunc("GET /v1/deployments/{id}", s.apiGetDeployment)
	s.mux.HandleFunc("POST /v1/deployments/{id}/launch", s.apiLaunchDeployment)
	s.mux.HandleFunc("POST /v1/deployments/{id}/cancel", s.apiCancelDeployment)
	s.mux.HandleFunc("POST /v1/deployments/{id}/reject", s.apiRejectDeployment)
	s.mux.HandleFunc("POST /v1/deployments/{id}/retry", s.apiRetryDeployment)

	s.mux.HandleFunc("GET /v1/rollbacks", s.apiListProposals)
	s.mux.HandleFunc("POST /v1/rollbacks/{id}/execute", s.apiExecuteRollback)

	s.mux.HandleFunc("GET /v1/history", s.apiHistory)
	s.mux.HandleFunc("GET /v1/events", s.apiSSE)
}

// Handler returns the server's routing handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control-plane API listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]Error{"error": {Code: code, Message: msg}})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, deployment.ErrDeploymentNotFound),
		errors.Is(err, deployment.ErrProposalNotFound),
		errors.Is(err, templates.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrAmbiguousAgent),
		errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, deployment.ErrDeploymentActive),
		errors.Is(err, deployment.ErrBadTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, templates.ErrNotApproved):
		writeError(w, http.StatusForbidden, "not_approved", err.Error())
	case errors.Is(err, templates.ErrInvalidName),
		errors.Is(err, registry.ErrPortsExhausted):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, docker.ErrHostUnavailable):
		writeError(w, http.StatusServiceUnavailable, "host_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decodeJSON reads a request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
