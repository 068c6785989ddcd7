package cron

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler exposes the schedule over the gateway's HTTP server so the
// CLI can list rules and fire one by hand. GET /schedule returns the
// current jobs; POST /schedule/run?name=X fires a rule.
type Handler struct {
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewHandler wraps a scheduler for HTTP access.
func NewHandler(scheduler *Scheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{scheduler: scheduler, logger: logger.With("component", "scheduler")}
}

// JobView is the wire shape of one schedule entry.
type JobView struct {
	Name      string `json:"name"`
	Trigger   string `json:"trigger"`
	Channel   string `json:"channel"`
	Enabled   bool   `json:"enabled"`
	NextRun   string `json:"next_run,omitempty"`
	LastRun   string `json:"last_run,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet:
		h.list(w)
	case r.Method == http.MethodPost && r.URL.Path == "/schedule/run":
		h.run(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) list(w http.ResponseWriter) {
	jobs := h.scheduler.Jobs()
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, JobView{
			Name:      job.Name,
			Trigger:   job.Schedule.String(),
			Channel:   job.Channel,
			Enabled:   job.Enabled,
			NextRun:   formatRunTime(job.NextRun),
			LastRun:   formatRunTime(job.LastRun),
			LastError: job.LastError,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		h.logger.Warn("schedule list encode failed", "error", err)
	}
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	err := h.scheduler.RunJob(name)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "fired", "name": name}); err != nil {
		h.logger.Warn("schedule run encode failed", "error", err)
	}
}

func formatRunTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
