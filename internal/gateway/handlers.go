package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/al-how/claude-conductor/internal/store"
)

var jobNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	validOutputs = map[string]bool{"telegram": true, "log": true, "silent": true, "webhook": true}
	validModes   = map[string]bool{"cli": true, "api": true}
)

// registerRoutes registers the cron management routes on the given mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cron", s.authMiddleware(s.handleListJobs))
	mux.HandleFunc("POST /api/cron", s.authMiddleware(s.handleCreateJob))
	mux.HandleFunc("GET /api/cron/{name}", s.authMiddleware(s.handleGetJob))
	mux.HandleFunc("PATCH /api/cron/{name}", s.authMiddleware(s.handleUpdateJob))
	mux.HandleFunc("DELETE /api/cron/{name}", s.authMiddleware(s.handleDeleteJob))
	mux.HandleFunc("GET /api/cron/{name}/history", s.authMiddleware(s.handleJobHistory))
	mux.HandleFunc("POST /api/trigger/{name}", s.authMiddleware(s.handleTrigger))
	mux.HandleFunc("GET /api/executions", s.authMiddleware(s.handleExecutions))
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			if extractBearerToken(r) != s.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		store.CronJob
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	job := req.CronJob
	// enabled defaults to true when the body omits it
	job.Enabled = req.Enabled == nil || *req.Enabled

	if details := s.validateJob(&job); len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": details})
		return
	}

	created, err := s.store.CreateJob(r.Context(), &job)
	if errors.Is(err, store.ErrJobExists) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job %q already exists", job.Name)})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// AddJob no-ops when the job is disabled.
	s.sched.AddJob(*created)

	writeJSON(w, http.StatusCreated, map[string]any{"job": created})
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var patch store.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	if details := s.validatePatch(&patch); len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": details})
		return
	}

	fresh, err := s.store.UpdateJob(r.Context(), name, patch)
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Re-sync the timer against the fresh row.
	s.sched.RemoveJob(name)
	s.sched.AddJob(*fresh)

	writeJSON(w, http.StatusOK, map[string]any{"job": fresh})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ok, err := s.store.DeleteJob(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	s.sched.RemoveJob(name)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	ok, err := s.sched.TriggerJob(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("job %q triggered", name),
	})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.RecentExecutions(r.Context(), r.PathValue("name"), queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.RecentExecutions(r.Context(), "", queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// validateJob checks a create body and returns human-readable problems.
func (s *Server) validateJob(job *store.CronJob) []string {
	var details []string

	if !jobNameRe.MatchString(job.Name) {
		details = append(details, "name must match [A-Za-z0-9_-]{1,64}")
	}
	if job.Schedule == "" {
		details = append(details, "schedule is required")
	} else if !s.gron.IsValid(job.Schedule) {
		details = append(details, fmt.Sprintf("invalid cron expression %q", job.Schedule))
	}
	if job.Prompt == "" {
		details = append(details, "prompt is required")
	}
	if job.Output != "" && !validOutputs[job.Output] {
		details = append(details, "output must be one of telegram, log, silent, webhook")
	}
	if job.ExecutionMode != "" && !validModes[job.ExecutionMode] {
		details = append(details, "execution_mode must be cli or api")
	}
	if job.MaxTurns < 0 {
		details = append(details, "max_turns must be positive")
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			details = append(details, fmt.Sprintf("unknown timezone %q", job.Timezone))
		}
	}
	return details
}

// validatePatch checks the fields present in a partial update.
// A max_turns of 0 clears the column.
func (s *Server) validatePatch(patch *store.JobPatch) []string {
	var details []string

	if patch.Schedule != nil && !s.gron.IsValid(*patch.Schedule) {
		details = append(details, fmt.Sprintf("invalid cron expression %q", *patch.Schedule))
	}
	if patch.Output != nil && !validOutputs[*patch.Output] {
		details = append(details, "output must be one of telegram, log, silent, webhook")
	}
	if patch.ExecutionMode != nil && !validModes[*patch.ExecutionMode] {
		details = append(details, "execution_mode must be cli or api")
	}
	if patch.MaxTurns != nil && *patch.MaxTurns < 0 {
		details = append(details, "max_turns must be positive")
	}
	if patch.Timezone != nil {
		if _, err := time.LoadLocation(*patch.Timezone); err != nil {
			details = append(details, fmt.Sprintf("unknown timezone %q", *patch.Timezone))
		}
	}
	return details
}

func queryLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
