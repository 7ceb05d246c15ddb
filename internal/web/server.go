// Package web serves the stack's diagnostics API, a websocket event
// stream and the Prometheus metrics endpoint.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"zigbee-go-stack/internal/mac"
	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/stack"
)

// Backend is the stack as seen by the web server. *stack.Stack
// implements it.
type Backend interface {
	Snapshot(ctx context.Context) (stack.Snapshot, error)
	PermitJoin(ctx context.Context, seconds uint8) error
	RotateNetworkKey(ctx context.Context, key security.Key) error
	RemoveDevice(ctx context.Context, ext mac.ExtAddr) error
	Events() *stack.EventBus
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the diagnostics interface.
type Server struct {
	backend        Backend
	events         *eventStream
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	metrics        http.Handler
	version        string
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(backend Backend, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.events = newEventStream(s.logger)
	// Stack events are emitted on the stack goroutine; publish never blocks.
	s.unsubEvents = backend.Events().OnAll(s.events.publish)

	s.routes()
	return s
}

// Stop detaches from the stack's events and ends every websocket stream.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.events.close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("GET /api/routes", s.handleAPIRoutes)
	s.mux.HandleFunc("GET /api/neighbors", s.handleAPINeighbors)
	s.mux.HandleFunc("GET /api/addrmap", s.handleAPIAddressMap)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIDevices)
	s.mux.HandleFunc("DELETE /api/devices/{ext}", s.handleAPIRemoveDevice)
	s.mux.HandleFunc("GET /api/counters", s.handleAPICounters)
	s.mux.HandleFunc("POST /api/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("POST /api/rotate-key", s.handleAPIRotateKey)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The websocket and /metrics stay open: browsers cannot send custom
	// headers on a WS upgrade and scrapers are configured separately.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
