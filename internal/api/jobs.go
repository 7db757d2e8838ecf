package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pagepulse/pagepulse/internal/indexer"
)

// jobSchedules documents the expected cron cadence per job, surfaced on
// the status endpoint.
var jobSchedules = map[string]string{
	indexer.JobAutoIndex:   "daily at 02:00 UTC",
	indexer.JobRetryFailed: "daily at 08:00 UTC",
	indexer.JobResync:      "daily at 14:00 UTC",
}

// JobRunHandler triggers a scheduled job by name. The caller is a cron
// service, authenticated with a static bearer secret compared in
// constant time.
func (h *Handler) JobRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if !h.authoriseJobCaller(r) {
		Unauthorised(w, r, "Invalid job secret")
		return
	}

	jobName := strings.TrimPrefix(r.URL.Path, "/v1/jobs/run/")

	var summary any
	var err error
	switch jobName {
	case indexer.JobAutoIndex:
		summary, err = h.Indexer.RunAll(r.Context())
	case indexer.JobRetryFailed:
		summary, err = h.Indexer.RunRetries(r.Context())
	case indexer.JobResync:
		summary, err = h.Indexer.RunResync(r.Context())
	default:
		NotFound(w, r, "Unknown job: "+jobName)
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, summary, "Job complete")
}

// authoriseJobCaller checks the static bearer secret without leaking
// timing information.
func (h *Handler) authoriseJobCaller(r *http.Request) bool {
	if h.JobSecret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.JobSecret)) == 1
}

// JobStatusResponse describes one scheduled job's last execution.
type JobStatusResponse struct {
	JobName   string          `json:"job_name"`
	Schedule  string          `json:"schedule"`
	LastRunAt *string         `json:"last_run_at,omitempty"`
	Result    string          `json:"result"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

// JobStatusHandler reports the last run of every scheduled job.
func (h *Handler) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if _, ok := requireUser(w, r); !ok {
		return
	}

	jobNames := []string{indexer.JobAutoIndex, indexer.JobRetryFailed, indexer.JobResync}
	statuses := make([]JobStatusResponse, 0, len(jobNames))

	for _, name := range jobNames {
		run, err := h.DB.GetJobRun(r.Context(), name)
		if err != nil {
			DatabaseError(w, r, err)
			return
		}
		status := JobStatusResponse{
			JobName:  name,
			Schedule: jobSchedules[name],
			Result:   run.Result,
			Summary:  run.Summary,
		}
		if run.LastRunAt != nil {
			formatted := run.LastRunAt.UTC().Format(time.RFC3339)
			status.LastRunAt = &formatted
		}
		statuses = append(statuses, status)
	}

	WriteSuccess(w, r, map[string]any{"jobs": statuses}, "")
}
