package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue holds every job the engine knows about and owns all non-terminal
// state transitions. Lock acquisition happens inside the queue's critical
// section so a dequeue is atomic with taking the job's named lock: no
// partially scheduled job is ever visible.
type Queue struct {
	mu      sync.Mutex
	locks   *LockTable
	jobs    map[string]*Job
	pending []*Job // Queued jobs, kept in submission order
	seq     uint64
}

func NewQueue(locks *LockTable) *Queue {
	return &Queue{
		locks: locks,
		jobs:  make(map[string]*Job),
	}
}

// Submit accepts a validated definition and enqueues a new job.
// Definitions with no stages are rejected with ErrInvalidDefinition
// even if the caller skipped parsing-time validation.
func (q *Queue) Submit(def Definition) (Job, error) {
	if len(def.Stages) == 0 {
		return Job{}, fmt.Errorf("%w: no stages", ErrInvalidDefinition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	job := &Job{
		ID:         uuid.NewString(),
		Definition: def,
		State:      StateQueued,
		CreatedAt:  time.Now().UTC(),
		Seq:        q.seq,
	}
	q.jobs[job.ID] = job
	q.pending = append(q.pending, job)
	return *job, nil
}

// DequeueNext hands out the highest-priority queued job whose required
// labels are a subset of the offered capabilities and whose named lock
// is free. Ties break FIFO by submission sequence. The job leaves in
// state Scheduled with its lock held and its dispatch attempt counted.
// Returns ErrNoEligibleJob when nothing matches; the caller retries on
// a later pass.
func (q *Queue) DequeueNext(caps []string, agentID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Job
	for _, job := range q.pending {
		if !labelsSatisfied(job.Definition.Labels, caps) {
			continue
		}
		if lock := job.Definition.Lock; lock != "" {
			if holder, held := q.locks.Holder(lock); held && holder != job.ID {
				continue
			}
		}
		if best == nil || job.Definition.Priority > best.Definition.Priority ||
			(job.Definition.Priority == best.Definition.Priority && job.Seq < best.Seq) {
			best = job
		}
	}
	if best == nil {
		return Job{}, ErrNoEligibleJob
	}

	if !q.locks.TryAcquire(best.Definition.Lock, best.ID) {
		// Lost a race with a concurrent holder; treat as not eligible.
		return Job{}, ErrNoEligibleJob
	}

	best.State = StateScheduled
	best.AgentID = agentID
	best.DispatchAttempts++
	q.removePending(best.ID)
	return *best, nil
}

// Requeue returns a Scheduled or Running job to the queue, releasing its
// lock and agent assignment. It reports the dispatch attempts consumed
// so far so the scheduler can enforce its retry budget.
func (q *Queue) Requeue(jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return 0, ErrUnknownJob
	}
	if !job.State.CanTransition(StateQueued) {
		return job.DispatchAttempts, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.State, StateQueued)
	}
	q.locks.Release(job.Definition.Lock, job.ID)
	job.State = StateQueued
	job.AgentID = ""
	q.pending = append(q.pending, job)
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].Seq < q.pending[j].Seq })
	return job.DispatchAttempts, nil
}

// MarkRunning transitions a dispatched job to Running once the assigned
// agent has picked it up.
func (q *Queue) MarkRunning(jobID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.AgentID != agentID {
		return fmt.Errorf("job %s assigned to %s, not %s", jobID, job.AgentID, agentID)
	}
	if !job.State.CanTransition(StateRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.State, StateRunning)
	}
	job.State = StateRunning
	return nil
}

// MarkResult records a terminal outcome, releasing the job's lock. The
// transition is validated against the monotonic state machine: a job
// that already reached a terminal state stays there.
func (q *Queue) MarkResult(jobID string, outcome Outcome) (Job, error) {
	if !outcome.State.Terminal() {
		return Job{}, fmt.Errorf("%w: outcome state %s is not terminal", ErrIllegalTransition, outcome.State)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	if !job.State.CanTransition(outcome.State) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.State, outcome.State)
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now().UTC()
	}
	job.State = outcome.State
	job.Outcome = &outcome
	q.locks.Release(job.Definition.Lock, job.ID)
	q.removePending(job.ID)
	return *job, nil
}

// Abort requests termination. A queued job aborts immediately; for a
// scheduled or running job the request is flagged and propagated to the
// executing agent best-effort on its next heartbeat. The returned bool
// reports whether the job reached Aborted right away.
func (q *Queue) Abort(jobID string) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false, ErrUnknownJob
	}
	if job.State.Terminal() {
		return *job, false, nil
	}
	if job.State == StateQueued {
		job.State = StateAborted
		job.Outcome = &Outcome{State: StateAborted, Reason: ReasonAborted, FinishedAt: time.Now().UTC()}
		q.removePending(job.ID)
		return *job, true, nil
	}
	job.abortRequested = true
	return *job, false, nil
}

// PendingAborts lists jobs assigned to the agent whose abort was
// requested and is still in flight.
func (q *Queue) PendingAborts(agentID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, job := range q.jobs {
		if job.abortRequested && !job.State.Terminal() && job.AgentID == agentID {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

// Snapshot returns a read-only copy of the job.
func (q *Queue) Snapshot(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return *job, nil
}

// List returns read-only copies of every live job, newest first.
func (q *Queue) List() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// Forget drops a terminal job from live state once it has been archived.
func (q *Queue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[jobID]; ok && job.State.Terminal() {
		delete(q.jobs, jobID)
	}
}

func (q *Queue) removePending(jobID string) {
	for i, p := range q.pending {
		if p.ID == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
