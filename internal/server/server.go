// Package server exposes the router over a small JSON HTTP surface for
// collaborators (chat frontends, tool servers). It is intentionally thin:
// every handler delegates straight to the router.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/normanking/relay/internal/logging"
	"github.com/normanking/relay/internal/router"
)

// maxRequestBody caps a /api/route request body.
const maxRequestBody = 1 << 20

// Server wraps the HTTP listener over a router.
type Server struct {
	router *router.Router
	http   *http.Server
	log    *logging.Logger
}

// New builds a server bound to addr. allowedOrigins is the CORS allow-list;
// an empty list means same-origin only.
func New(r *router.Router, addr string, allowedOrigins []string) *Server {
	s := &Server{
		router: r,
		log:    logging.Global().WithComponent("Server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/route", s.handleRoute)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// Generation calls can legitimately take the full backend ceiling.
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the full handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// routeRequest is the /api/route request body.
type routeRequest struct {
	Input       string             `json:"input"`
	TaskContext router.TaskContext `json:"task_context"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req routeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	res := s.router.Route(r.Context(), req.Input, req.TaskContext)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": s.router.ListAgents(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": s.router.ListModels(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage":    s.router.UsageStats(),
		"backends": s.router.BackendStatus(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ═══════════════════════════════════════════════════════════════════════════════
// JSON HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Global().Error("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
