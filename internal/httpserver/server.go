// Package httpserver is the inbound HTTP surface of the gateway: protocol
// detection, route resolution, failover, and response delivery.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelrelay/gateway/internal/proxy"
	"github.com/modelrelay/gateway/internal/router"
	"github.com/modelrelay/gateway/internal/telemetry"
)

// Server wires the gateway pipeline behind chi routes.
type Server struct {
	resolver  *router.Resolver
	forwarder *proxy.Forwarder
	telemetry *telemetry.Reporter
	logger    *log.Logger
}

// New builds a Server over the assembled pipeline components.
func New(resolver *router.Resolver, forwarder *proxy.Forwarder, reporter *telemetry.Reporter, logger *log.Logger) *Server {
	return &Server{
		resolver:  resolver,
		forwarder: forwarder,
		telemetry: reporter,
		logger:    logger,
	}
}

// Router returns the HTTP handler for the gateway listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", func(w http.ResponseWriter, req *http.Request) {
		s.handleProxy(w, req, "")
	})
	r.Post("/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		s.handleProxy(w, req, "")
	})
	r.Post("/v1/responses", func(w http.ResponseWriter, req *http.Request) {
		s.handleProxy(w, req, "/v1/responses")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// gatewayError is the error envelope the gateway itself produces, as
// opposed to errors passed through from upstream providers.
type gatewayError struct {
	Error gatewayErrorBody `json:"error"`
}

type gatewayErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, gatewayError{Error: gatewayErrorBody{
		Message: message,
		Type:    "gateway_error",
	}})
}

// extractToken pulls the business credential from the Authorization header.
func extractToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// maskToken shortens a credential for logs.
func maskToken(token string) string {
	if len(token) > 8 {
		return token[:4] + "..." + token[len(token)-4:]
	}
	return "***"
}
