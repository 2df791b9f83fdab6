// Package api assembles the service's HTTP surface: the Zoom webhook
// endpoint, the per-meeting results query, and the health probe.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moveris/rtms-liveness/internal/results"
)

// ActiveCounter reports how many analysis sessions are currently running.
type ActiveCounter interface {
	ActiveSessions() int
}

// Server routes HTTP requests to the webhook dispatcher and the result store.
type Server struct {
	version string
	webhook http.Handler
	store   results.Store
	active  ActiveCounter
}

// NewServer creates the HTTP surface. webhook handles POST /zoom/webhook;
// store answers GET /results/{meeting}; active feeds the health probe.
func NewServer(version string, webhook http.Handler, store results.Store, active ActiveCounter) *Server {
	return &Server{
		version: version,
		webhook: webhook,
		store:   store,
		active:  active,
	}
}

// Handler returns the fully-routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /zoom/webhook", s.webhook)
	mux.HandleFunc("GET /results/{meeting}", s.handleResults)
	mux.HandleFunc("DELETE /results/{meeting}", s.handleCleanup)
	mux.HandleFunc("GET /health", s.handleHealth)
	return withLogging(mux)
}

// handleResults returns the session status for one meeting, including every
// participant result recorded so far.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	meetingUUID := r.PathValue("meeting")

	status, err := s.store.GetSession(r.Context(), meetingUUID)
	if err != nil {
		log.Error().Str("meeting", meetingUUID).Err(err).Msg("Results lookup failed")
		httpError(w, http.StatusInternalServerError, "results lookup failed")
		return
	}
	if status == nil {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleCleanup discards a meeting's status record once its results have
// been collected. Deleting an unknown meeting succeeds.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	meetingUUID := r.PathValue("meeting")

	if err := s.store.CleanupSession(r.Context(), meetingUUID); err != nil {
		log.Error().Str("meeting", meetingUUID).Err(err).Msg("Results cleanup failed")
		httpError(w, http.StatusInternalServerError, "results cleanup failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"active_sessions": s.active.ActiveSessions(),
	})
}

// ListenAndServe runs the server on addr until ctx is cancelled, then drains
// in-flight requests for up to the shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh // always http.ErrServerClosed after a clean Shutdown
		return nil
	}
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		// The health probe fires often enough to drown everything else out.
		if !strings.HasPrefix(r.URL.Path, "/health") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
