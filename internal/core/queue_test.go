package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func shellDef(name string, mutate ...func(*Definition)) Definition {
	def := Definition{
		Name:   name,
		Labels: []string{"linux"},
		Stages: []Stage{{
			Name:   "build",
			Action: Action{Type: ActionShell, Run: "echo hi"},
		}},
	}
	for _, m := range mutate {
		m(&def)
	}
	return def
}

func TestSubmitRejectsEmptyStageList(t *testing.T) {
	queue := NewQueue(NewLockTable())

	_, err := queue.Submit(Definition{Name: "empty"})
	require.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDequeuePriorityThenFIFO(t *testing.T) {
	queue := NewQueue(NewLockTable())

	low1, err := queue.Submit(shellDef("low-1"))
	require.NoError(t, err)
	high, err := queue.Submit(shellDef("high", func(d *Definition) { d.Priority = 5 }))
	require.NoError(t, err)
	low2, err := queue.Submit(shellDef("low-2"))
	require.NoError(t, err)

	caps := []string{"linux"}
	got, err := queue.DequeueNext(caps, "agent-1")
	require.NoError(t, err)
	require.Equal(t, high.ID, got.ID)
	require.Equal(t, StateScheduled, got.State)
	require.Equal(t, "agent-1", got.AgentID)

	got, err = queue.DequeueNext(caps, "agent-1")
	require.NoError(t, err)
	require.Equal(t, low1.ID, got.ID)

	got, err = queue.DequeueNext(caps, "agent-1")
	require.NoError(t, err)
	require.Equal(t, low2.ID, got.ID)

	_, err = queue.DequeueNext(caps, "agent-1")
	require.ErrorIs(t, err, ErrNoEligibleJob)
}

func TestDequeueRespectsLabels(t *testing.T) {
	queue := NewQueue(NewLockTable())

	_, err := queue.Submit(shellDef("gpu-job", func(d *Definition) { d.Labels = []string{"linux", "gpu"} }))
	require.NoError(t, err)

	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.ErrorIs(t, err, ErrNoEligibleJob)

	got, err := queue.DequeueNext([]string{"linux", "gpu", "docker"}, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "gpu-job", got.Definition.Name)
}

func TestLockContentionKeepsSecondJobQueued(t *testing.T) {
	queue := NewQueue(NewLockTable())

	withLock := func(d *Definition) { d.Lock = "prod-deploy" }
	jobA, err := queue.Submit(shellDef("a", withLock))
	require.NoError(t, err)
	jobB, err := queue.Submit(shellDef("b", withLock))
	require.NoError(t, err)

	caps := []string{"linux"}
	got, err := queue.DequeueNext(caps, "agent-1")
	require.NoError(t, err)
	require.Equal(t, jobA.ID, got.ID)

	// B stays queued while A holds the lock.
	_, err = queue.DequeueNext(caps, "agent-2")
	require.ErrorIs(t, err, ErrNoEligibleJob)

	snap, err := queue.Snapshot(jobB.ID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, snap.State)

	_, err = queue.MarkResult(jobA.ID, Outcome{State: StateSucceeded})
	require.NoError(t, err)

	got, err = queue.DequeueNext(caps, "agent-2")
	require.NoError(t, err)
	require.Equal(t, jobB.ID, got.ID)
}

func TestMarkResultIsMonotonic(t *testing.T) {
	queue := NewQueue(NewLockTable())

	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)
	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.NoError(t, err)
	require.NoError(t, queue.MarkRunning(job.ID, "agent-1"))

	_, err = queue.MarkResult(job.ID, Outcome{State: StateSucceeded})
	require.NoError(t, err)

	// No transition out of a terminal state.
	_, err = queue.MarkResult(job.ID, Outcome{State: StateFailed})
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = queue.Requeue(job.ID)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestMarkResultRejectsNonTerminalOutcome(t *testing.T) {
	queue := NewQueue(NewLockTable())
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	_, err = queue.MarkResult(job.ID, Outcome{State: StateRunning})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRequeueReleasesLockAndAgent(t *testing.T) {
	locks := NewLockTable()
	queue := NewQueue(locks)

	job, err := queue.Submit(shellDef("a", func(d *Definition) { d.Lock = "prod-deploy" }))
	require.NoError(t, err)

	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.NoError(t, err)
	_, held := locks.Holder("prod-deploy")
	require.True(t, held)

	attempts, err := queue.Requeue(job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	_, held = locks.Holder("prod-deploy")
	require.False(t, held)

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, snap.State)
	require.Empty(t, snap.AgentID)
}

func TestAbortQueuedJobIsImmediate(t *testing.T) {
	queue := NewQueue(NewLockTable())
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	got, immediate, err := queue.Abort(job.ID)
	require.NoError(t, err)
	require.True(t, immediate)
	require.Equal(t, StateAborted, got.State)
	require.NotNil(t, got.Outcome)
	require.Equal(t, ReasonAborted, got.Outcome.Reason)

	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.ErrorIs(t, err, ErrNoEligibleJob)
}

func TestAbortRunningJobIsFlagged(t *testing.T) {
	queue := NewQueue(NewLockTable())
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)
	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.NoError(t, err)
	require.NoError(t, queue.MarkRunning(job.ID, "agent-1"))

	_, immediate, err := queue.Abort(job.ID)
	require.NoError(t, err)
	require.False(t, immediate)

	require.Equal(t, []string{job.ID}, queue.PendingAborts("agent-1"))
	require.Empty(t, queue.PendingAborts("agent-2"))
}

func TestForgetDropsOnlyTerminalJobs(t *testing.T) {
	queue := NewQueue(NewLockTable())
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	queue.Forget(job.ID)
	_, err = queue.Snapshot(job.ID)
	require.NoError(t, err) // still live

	_, err = queue.DequeueNext([]string{"linux"}, "agent-1")
	require.NoError(t, err)
	_, err = queue.MarkResult(job.ID, Outcome{State: StateFailed, Reason: ReasonDispatchExhausted})
	require.NoError(t, err)

	queue.Forget(job.ID)
	_, err = queue.Snapshot(job.ID)
	require.ErrorIs(t, err, ErrUnknownJob)
}
