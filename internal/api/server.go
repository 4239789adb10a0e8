// Package api exposes the acquisition core over HTTP: a single JSON command
// endpoint for mode changes plus read-only views of status, synchronization
// data, and the session catalog.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/meridian-neuro/retinomap/internal/acq"
	"github.com/meridian-neuro/retinomap/internal/config"
	"github.com/meridian-neuro/retinomap/internal/httputil"
	"github.com/meridian-neuro/retinomap/internal/sessiondb"
	"github.com/meridian-neuro/retinomap/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	manager *acq.Manager
	catalog *sessiondb.DB
	tuning  *config.TuningConfig
}

// NewServer creates the HTTP surface over an acquisition manager. The
// catalog is optional; without it /api/sessions reports 404.
func NewServer(manager *acq.Manager, catalog *sessiondb.DB, tuning *config.TuningConfig) *Server {
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	return &Server{
		manager: manager,
		catalog: catalog,
		tuning:  tuning,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/acquisition/command", s.commandHandler)
	mux.HandleFunc("/api/acquisition/status", s.showStatus)
	mux.HandleFunc("/api/acquisition/sync", s.showSynchronization)
	mux.HandleFunc("/api/acquisition/params", s.showParams)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// showStatus reports the aggregate acquisition state. It succeeds in every
// mode, including mid-fault.
func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) showSynchronization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.manager.SynchronizationData())
}

func (s *Server) showParams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.tuning)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, version.Current())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.catalog == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "No session catalog configured")
		return
	}

	sessions, err := s.catalog.ListSessions()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []sessiondb.Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, sessions)
}
