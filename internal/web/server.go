// Package web exposes the thermostat over a JSON HTTP API and a WebSocket
// event stream.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"eq3bt-home/internal/store"
	"eq3bt-home/internal/thermostat"
)

// Controller is the thermostat surface the API exposes.
type Controller interface {
	IsConnected() bool
	Status() (thermostat.Status, error)
	DeviceData() (thermostat.DeviceData, error)
	Schedule() (thermostat.Schedule, error)
	GetStatus(ctx context.Context) (thermostat.Status, error)
	GetSchedule(ctx context.Context) (thermostat.Schedule, error)
	SetTemperature(ctx context.Context, temperature float64) (thermostat.Status, error)
	SetMode(ctx context.Context, mode thermostat.OperationMode) (thermostat.Status, error)
	SetAway(ctx context.Context, until time.Time, temperature float64) (thermostat.Status, error)
	SetBoost(ctx context.Context, enable bool) (thermostat.Status, error)
	SetLocked(ctx context.Context, enable bool) (thermostat.Status, error)
	SetSchedule(ctx context.Context, schedule thermostat.Schedule) (thermostat.Schedule, error)
	OnConnected(fn func(thermostat.ConnectedEvent)) func()
	OnDisconnected(fn func()) func()
	OnStatus(fn func(thermostat.Status)) func()
	OnSchedule(fn func(thermostat.Schedule)) func()
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

// WithHistory enables the /api/history endpoint backed by st.
func WithHistory(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// Server is the HTTP server for the JSON API and event stream.
type Server struct {
	therm          Controller
	store          store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	wg             sync.WaitGroup
	unsubs         []func()
}

// NewServer creates a new web server around the thermostat controller.
func NewServer(therm Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		therm:  therm,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Fan thermostat events out to WebSocket clients.
	s.unsubs = append(s.unsubs,
		therm.OnConnected(func(ev thermostat.ConnectedEvent) {
			s.wsHub.Broadcast(wsEvent{Type: "connected", Data: connectedView(ev)})
		}),
		therm.OnDisconnected(func() {
			s.wsHub.Broadcast(wsEvent{Type: "disconnected"})
		}),
		therm.OnStatus(func(status thermostat.Status) {
			s.wsHub.Broadcast(wsEvent{Type: "status", Data: statusView(status)})
		}),
		therm.OnSchedule(func(schedule thermostat.Schedule) {
			s.wsHub.Broadcast(wsEvent{Type: "schedule", Data: scheduleView(schedule)})
		}),
	)

	s.routes()
	return s
}

// Stop unsubscribes from events and shuts the WebSocket hub down.
func (s *Server) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/device", s.handleAPIDevice)
	s.mux.HandleFunc("GET /api/schedule", s.handleAPIGetSchedule)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)

	s.mux.HandleFunc("POST /api/temperature", s.handleAPISetTemperature)
	s.mux.HandleFunc("POST /api/mode", s.handleAPISetMode)
	s.mux.HandleFunc("POST /api/boost", s.handleAPISetBoost)
	s.mux.HandleFunc("POST /api/lock", s.handleAPISetLock)
	s.mux.HandleFunc("POST /api/schedule", s.handleAPISetSchedule)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		// Only /api/ endpoints are key-protected; browsers cannot send
		// custom headers on a WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}
