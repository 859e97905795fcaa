package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// SubmitResponse answers POST /jobs.
type SubmitResponse struct {
	Success bool       `json:"success"`
	Job     *queue.Job `json:"job"`
}

// JobsResponse answers GET /jobs.
type JobsResponse struct {
	Jobs  []*queue.Job `json:"jobs"`
	Count int          `json:"count"`
}

// QueueResponse answers GET /queue.
type QueueResponse struct {
	State        queue.QueueState     `json:"state"`
	PriorityLock queue.FlagState      `json:"priority_lock"`
	Maintenance  queue.FlagState      `json:"maintenance"`
	Counts       map[queue.Status]int `json:"counts"`
}

// LogResponse answers GET /queue/log.
type LogResponse struct {
	Entries []queue.LogEntry `json:"entries"`
}

// CancelResponse answers DELETE /jobs/{id}.
type CancelResponse struct {
	Success   bool     `json:"success"`
	JobID     string   `json:"job_id"`
	SlotFreed bool     `json:"slot_freed"`
	Unblocked []string `json:"unblocked"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var sub queue.Submission
	if err := readJSON(w, r, &sub); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	job, err := queue.Submit(r.Context(), s.store, sub, s.now())
	if errors.Is(err, queue.ErrMaintenance) {
		writeError(w, http.StatusServiceUnavailable, msgSubmitMaintenance)
		return
	}
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	s.logger.Infow(fmt.Sprintf("%s Job queued", sym.Queue),
		"job_id", job.ID,
		"job_type", job.Type,
		"priority", job.Priority,
		"models", job.RequestedModels,
	)
	writeJSON(w, http.StatusCreated, SubmitResponse{Success: true, Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	filter := queue.JobFilter{
		Status: queue.Status(r.URL.Query().Get("status")),
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeErr(w, r, s.logger, errors.NewInvalidRequestError("unknown status %q", filter.Status))
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.store.State(ctx)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	lock, err := s.store.Flag(ctx, queue.FlagPriorityLock)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	maint, err := s.store.Flag(ctx, queue.FlagMaintenance)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	counts, err := s.store.CountJobs(ctx)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, QueueResponse{
		State:        state,
		PriorityLock: lock,
		Maintenance:  maint,
		Counts:       counts,
	})
}

func (s *Server) handleQueueLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	entries, err := s.store.ListLog(r.Context(), queue.LogFilter{
		JobID: r.URL.Query().Get("job_id"),
		Limit: limit,
	})
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	if entries == nil {
		entries = []queue.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogResponse{Entries: entries})
}

// handleCancelJob fails a job that has not finished. When the job holds the
// slot and runs in this process, its executor is cancelled too; a remote
// holder finds out at its next heartbeat.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req := cancelRequest{Reason: queue.ReasonCancelled}
	if err := readJSON(w, r, &req); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = queue.ReasonCancelled
	}

	res, err := s.store.FailJob(r.Context(), id, req.Reason, s.now())
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	local := false
	if res.SlotFreed && s.worker != nil {
		local = s.worker.Cancel(id)
	}
	s.logger.Infow(fmt.Sprintf("%s Job cancelled", sym.StatusGlyph["failed"]),
		"job_id", shortID(id),
		"reason", req.Reason,
		"slot_freed", res.SlotFreed,
		"local_executor", local,
	)

	unblocked := res.Unblocked
	if unblocked == nil {
		unblocked = []string{}
	}
	writeJSON(w, http.StatusOK, CancelResponse{
		Success:   true,
		JobID:     id,
		SlotFreed: res.SlotFreed,
		Unblocked: unblocked,
	})
}
