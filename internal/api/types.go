// Package api defines the wire types shared by the server, the agent
// and the CLI.
package api

import (
	"time"

	"forgeci/internal/core"
)

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	ID    string        `json:"id"`
	State core.JobState `json:"state"`
}

// ErrorResponse carries a human-readable failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RegisterRequest announces an agent's capabilities.
type RegisterRequest struct {
	Labels   []string `json:"labels"`
	Capacity int      `json:"capacity"`
}

// HeartbeatResponse piggybacks abort requests on the liveness ping.
type HeartbeatResponse struct {
	Abort []string `json:"abort,omitempty"`
}

// JobStatus is the status-query view of a job.
type JobStatus struct {
	ID        string             `json:"id"`
	Name      string             `json:"name,omitempty"`
	State     core.JobState      `json:"state"`
	AgentID   string             `json:"agent_id,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	Stages    []core.StageResult `json:"stages,omitempty"`
	Outcome   *core.Outcome      `json:"outcome,omitempty"`
}

// AbortResponse reports the state reached by an abort request.
type AbortResponse struct {
	ID      string        `json:"id"`
	State   core.JobState `json:"state"`
	Aborted bool          `json:"aborted"`
}
