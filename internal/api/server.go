package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gridrelay/pkg/interfaces"
	"gridrelay/pkg/types"
)

// BrokerView is the read surface the API needs from the session broker.
type BrokerView interface {
	Snapshot() []types.MarketSnapshot
	Stats() map[string]int
}

// Server exposes the relay's read-only HTTP surface: health and a snapshot
// of registered markets. The coordination protocol itself lives entirely
// on the websocket; nothing here mutates relay state.
type Server struct {
	store  interfaces.Store // nil when persistence is disabled
	broker BrokerView
	router *http.ServeMux
}

// NewServer creates the API server and sets up routing.
func NewServer(store interfaces.Store, broker BrokerView) *Server {
	s := &Server{
		store:  store,
		broker: broker,
		router: http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/markets", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleMarkets))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type MarketsResponse struct {
	Markets []types.MarketSnapshot `json:"markets"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleMarkets serves GET /api/markets: the live market registry.
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snapshot := s.broker.Snapshot()
		if snapshot == nil {
			snapshot = []types.MarketSnapshot{}
		}
		_ = json.NewEncoder(w).Encode(MarketsResponse{Markets: snapshot})
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// healthCheck serves GET /health with database and connection status.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if s.store == nil {
		dbStatus = "disabled"
	} else if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.broker.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
