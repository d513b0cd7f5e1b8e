// Package api serves recorded supervisor runs as JSON and renders their
// charts on demand.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/db"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/report"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/security"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server exposes the event store over HTTP.
type Server struct {
	db *db.DB

	// reportDir is where POST .../charts writes; empty disables it.
	reportDir string
}

func NewServer(store *db.DB, reportDir string) *Server {
	return &Server{db: store, reportDir: reportDir}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
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

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[api] [%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.showRun)
	mux.HandleFunc("GET /api/runs/{id}/transitions", s.listTransitions)
	mux.HandleFunc("GET /api/runs/{id}/samples", s.listSamples)
	mux.HandleFunc("GET /api/runs/{id}/attempts", s.listAttempts)
	mux.HandleFunc("GET /api/runs/{id}/timeline", s.showTimeline)
	mux.HandleFunc("POST /api/runs/{id}/charts", s.writeCharts)
}

// ServeMux returns a mux with the API routes behind LoggingMiddleware.
func (s *Server) ServeMux() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return LoggingMiddleware(mux)
}

// RunSummary is a run as listed by the API.
type RunSummary struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	Rate      float64   `json:"rate"`
}

// RunDetail is a run with its configuration and tick statistics.
type RunDetail struct {
	RunSummary
	Config string                   `json:"config"`
	Stats  *supervisor.StatsSummary `json:"stats,omitempty"`
}

func summarize(r db.Run) RunSummary {
	return RunSummary{ID: r.ID, StartedAt: r.StartedAt, StoppedAt: r.StoppedAt, Rate: r.Rate}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListRuns()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// run loads the run named in the path, writing a 404 when it is unknown.
func (s *Server) run(w http.ResponseWriter, r *http.Request) (db.Run, bool) {
	run, err := s.db.GetRun(r.PathValue("id"))
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, "run not found")
		return run, false
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return run, false
	}
	return run, true
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	detail := RunDetail{RunSummary: summarize(run), Config: run.ConfigJSON}
	stats, err := s.db.TickStats(run.ID)
	switch {
	case err == nil:
		detail.Stats = &stats
	case !errors.Is(err, db.ErrRunNotFound):
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	transitions, err := s.db.ZoneTransitions(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if transitions == nil {
		transitions = []supervisor.Transition{}
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) listSamples(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	samples, err := s.db.ScaleSamples(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if samples == nil {
		samples = []supervisor.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	attempts, err := s.db.ReplanAttempts(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []replan.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) showTimeline(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	samples, err := s.db.ScaleSamples(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := report.Timeline(run.ID, samples, &buf); err != nil {
		if errors.Is(err, report.ErrNoData) {
			writeJSONError(w, http.StatusNotFound, "run has no scale samples")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	name := security.SanitizeFilename("timeline-" + run.ID + ".html")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Write(buf.Bytes())
}

// writeCharts renders the scale profile and timeline of a run into
// reportDir/<dir>, where dir defaults to the run ID.
func (s *Server) writeCharts(w http.ResponseWriter, r *http.Request) {
	if s.reportDir == "" {
		writeJSONError(w, http.StatusNotFound, "chart output is disabled")
		return
	}
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("dir")
	if rel == "" {
		rel = security.SanitizeFilename(run.ID)
	}
	if err := os.MkdirAll(s.reportDir, 0o755); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dir, err := security.ResolveWithin(s.reportDir, rel)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := s.db.ScaleSamples(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	transitions, err := s.db.ZoneTransitions(run.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(samples) == 0 {
		writeJSONError(w, http.StatusNotFound, "run has no scale samples")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	profile := filepath.Join(dir, "scale.png")
	if err := report.ScaleProfile(samples, transitions, profile); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	timeline := filepath.Join(dir, "timeline.html")
	var buf bytes.Buffer
	if err := report.Timeline(run.ID, samples, &buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(timeline, buf.Bytes(), 0o644); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"files": {profile, timeline}})
}
