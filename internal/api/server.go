// Package api provides the HTTP status and report API of the decoder.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/resident-x/go-buslog/internal/scan"
	"github.com/resident-x/go-buslog/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Source is the decode state the API reports on.
type Source interface {
	Status() service.Status
	Counters() *domain.Counters
	Registry() domain.Registry
	Recent() []*domain.DecodedFrame
	ScanReport() (map[string]map[string]int64, bool)
	CorrelationReport() (scan.Report, bool)
}

// Server represents the HTTP API server.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	source    Source
	version   string
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, source Source, version string) *Server {
	apiServer := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		source:    source,
		version:   version,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/counters", s.handleCounters).Methods("GET")
	api.HandleFunc("/counters/{group}", s.handleCounterGroup).Methods("GET")
	api.HandleFunc("/streams", s.handleListStreams).Methods("GET")
	api.HandleFunc("/streams/{key}", s.handleGetStream).Methods("GET")
	api.HandleFunc("/records", s.handleRecords).Methods("GET")
	api.HandleFunc("/scan", s.handleScan).Methods("GET")
	api.HandleFunc("/correlation", s.handleCorrelation).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns decoder status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.startTime).String(),
		"pipeline": s.source.Status(),
	}, http.StatusOK)
}

// handleCounters returns every histogram.
func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.source.Counters().Snapshot(), http.StatusOK)
}

// handleCounterGroup returns one histogram and its total.
func (s *Server) handleCounterGroup(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]

	counts, found := s.source.Counters().Snapshot()[group]
	if !found {
		s.writeError(w, "Counter group not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"group":  group,
		"counts": counts,
		"total":  s.source.Counters().Total(group),
	}, http.StatusOK)
}

// handleListStreams returns every decoded stream.
func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.source.Registry().GetAllStreams()

	s.writeJSON(w, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	}, http.StatusOK)
}

// handleGetStream returns one decoded stream.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	stream, found := s.source.Registry().GetStream(key)
	if !found {
		s.writeError(w, "Stream not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, stream, http.StatusOK)
}

// handleRecords returns the most recent decoded records.
func (s *Server) handleRecords(w http.ResponseWriter, _ *http.Request) {
	records := s.source.Recent()

	s.writeJSON(w, map[string]interface{}{
		"records": records,
		"count":   len(records),
	}, http.StatusOK)
}

// handleScan returns the range scan counts.
func (s *Server) handleScan(w http.ResponseWriter, _ *http.Request) {
	report, enabled := s.source.ScanReport()
	if !enabled {
		s.writeError(w, "Scanning is disabled", http.StatusNotFound)
		return
	}

	s.writeJSON(w, report, http.StatusOK)
}

// handleCorrelation returns the pruned correlation report.
func (s *Server) handleCorrelation(w http.ResponseWriter, _ *http.Request) {
	report, enabled := s.source.CorrelationReport()
	if !enabled {
		s.writeError(w, "Correlation is disabled", http.StatusNotFound)
		return
	}

	s.writeJSON(w, report, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
