package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"forgeci/internal/api"
	"forgeci/internal/core"
	"forgeci/internal/storage"
)

// POST /jobs — submit a YAML job definition.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "cannot read body"})
		return
	}

	def, err := core.ParseDefinition(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	job, err := s.queue.Submit(*def)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrInvalidDefinition) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
		return
	}

	s.log.WithFields(map[string]interface{}{"job": job.ID, "name": def.Name}).Info("job submitted")
	writeJSON(w, http.StatusAccepted, api.SubmitResponse{ID: job.ID, State: job.State})
}

// GET /jobs — live jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List()
	out := make([]api.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.status(job))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /jobs/{jobID} — current state; archived terminal results included.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.Snapshot(jobID)
	if errors.Is(err, core.ErrUnknownJob) {
		job, err = s.archive.Get(r.Context(), jobID)
		if errors.Is(err, storage.ErrNotArchived) {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "job not found"})
			return
		}
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.status(job))
}

func (s *Server) status(job core.Job) api.JobStatus {
	st := api.JobStatus{
		ID:        job.ID,
		Name:      job.Definition.Name,
		State:     job.State,
		AgentID:   job.AgentID,
		CreatedAt: job.CreatedAt,
		Outcome:   job.Outcome,
	}
	if job.Outcome == nil {
		s.mu.Lock()
		st.Stages = append([]core.StageResult(nil), s.progress[job.ID]...)
		s.mu.Unlock()
	} else {
		st.Stages = job.Outcome.Stages
	}
	return st
}

// POST /jobs/{jobID}/abort — best-effort termination.
func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, immediate, err := s.queue.Abort(jobID)
	if errors.Is(err, core.ErrUnknownJob) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	if immediate {
		// Queued jobs abort in place; record the terminal result now.
		s.RecordResult(job)
	}
	writeJSON(w, http.StatusOK, api.AbortResponse{ID: job.ID, State: job.State, Aborted: job.State == core.StateAborted})
}

// POST /jobs/{jobID}/stages — per-stage progress from the agent.
func (s *Server) handleStageReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var res core.StageResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "bad stage report"})
		return
	}

	s.mu.Lock()
	s.progress[jobID] = append(s.progress[jobID], res)
	s.mu.Unlock()

	s.log.WithFields(map[string]interface{}{
		"job": jobID, "stage": res.Stage, "status": res.Status, "attempts": res.Attempts,
	}).Info("stage result reported")
	w.WriteHeader(http.StatusNoContent)
}

// POST /jobs/{jobID}/result — terminal outcome from the agent.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var outcome core.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "bad result payload"})
		return
	}

	job, err := s.queue.MarkResult(jobID, outcome)
	switch {
	case errors.Is(err, core.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "job not found"})
		return
	case errors.Is(err, core.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, api.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}

	s.RecordResult(job)
	writeJSON(w, http.StatusOK, api.SubmitResponse{ID: job.ID, State: job.State})
}

// POST /agents/register
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "bad registration payload"})
		return
	}

	agent, err := s.pool.Register(req.Labels, req.Capacity)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}

	s.log.WithFields(map[string]interface{}{"agent": agent.ID, "labels": agent.Labels}).Info("agent registered")
	writeJSON(w, http.StatusCreated, agent)
}

// GET /agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.List())
}

// DELETE /agents/{agentID} — clean agent departure. Jobs still reserved
// on the agent fail over the same way a lost agent's do.
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	lost, err := s.pool.Deregister(agentID)
	if errors.Is(err, core.ErrUnknownAgent) {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "unknown agent"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}

	for _, l := range lost {
		job, err := s.queue.MarkResult(l.JobID, core.Outcome{
			State:  core.StateFailed,
			Reason: core.ReasonAgentLost,
		})
		if err != nil {
			s.log.WithError(err).WithField("job", l.JobID).Warn("cannot fail job from departing agent")
			continue
		}
		job.AgentID = "" // reservation went with the agent
		s.RecordResult(job)
	}

	s.log.WithField("agent", agentID).Info("agent deregistered")
	w.WriteHeader(http.StatusNoContent)
}

// POST /agents/{agentID}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := s.pool.Heartbeat(agentID); err != nil {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "unknown agent"})
		return
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Abort: s.queue.PendingAborts(agentID)})
}

// GET /agents/{agentID}/jobs/next — agent poll. Delivers the next
// dispatched job and transitions it to Running; 204 when idle.
func (s *Server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	for {
		job, ok := s.boxes.Next(agentID)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// The mailbox can hold stale entries for jobs that were
		// requeued or failed over since dispatch; skip those.
		current, err := s.queue.Snapshot(job.ID)
		if err != nil || current.State != core.StateScheduled || current.AgentID != agentID {
			continue
		}
		if err := s.queue.MarkRunning(job.ID, agentID); err != nil {
			s.log.WithError(err).WithField("job", job.ID).Warn("cannot mark job running")
			continue
		}
		delivered, err := s.queue.Snapshot(job.ID)
		if err != nil {
			continue
		}

		s.log.WithFields(map[string]interface{}{"job": job.ID, "agent": agentID}).Info("job delivered to agent")
		writeJSON(w, http.StatusOK, delivered)
		return
	}
}

// GET /audit/verify — recheck the whole journal chain.
func (s *Server) handleVerifyJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "journal disabled"})
		return
	}
	if err := s.journal.VerifyChain(); err != nil {
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "journal verification failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "journal verification ok"})
}
