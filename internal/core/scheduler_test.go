package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type dispatched struct {
	JobID   string
	AgentID string
}

// fakeDispatcher records handoffs and fails the first failN of them.
// Tick is single-threaded, so no locking needed.
type fakeDispatcher struct {
	calls []dispatched
	failN int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job Job, agentID string) error {
	d.calls = append(d.calls, dispatched{JobID: job.ID, AgentID: agentID})
	if d.failN > 0 {
		d.failN--
		return errors.New("agent unreachable")
	}
	return nil
}

func TestTickDispatchesToAvailableAgent(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(time.Minute)
	disp := &fakeDispatcher{}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{MaxDispatchAttempts: 3}, discardLog())

	agent, err := pool.Register([]string{"linux"}, 1)
	require.NoError(t, err)
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	sched.Tick(context.Background())

	require.Equal(t, []dispatched{{JobID: job.ID, AgentID: agent.ID}}, disp.calls)

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snap.State)
	require.Equal(t, agent.ID, snap.AgentID)

	// The slot is reserved until the result comes back.
	require.Empty(t, pool.Available())
}

func TestTickHonorsLabelsAcrossAgents(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(time.Minute)
	disp := &fakeDispatcher{}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{}, discardLog())

	_, err := pool.Register([]string{"linux"}, 1)
	require.NoError(t, err)
	gpuAgent, err := pool.Register([]string{"linux", "gpu"}, 1)
	require.NoError(t, err)

	job, err := queue.Submit(shellDef("train", func(d *Definition) {
		d.Labels = []string{"linux", "gpu"}
	}))
	require.NoError(t, err)

	sched.Tick(context.Background())

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snap.State)
	require.Equal(t, gpuAgent.ID, snap.AgentID)
}

func TestDispatchFailureRequeuesWithinBudget(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(time.Minute)
	disp := &fakeDispatcher{failN: 1}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{MaxDispatchAttempts: 3}, discardLog())

	agent, err := pool.Register([]string{"linux"}, 1)
	require.NoError(t, err)
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	sched.Tick(context.Background())

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, snap.State)

	// Reservation was rolled back, so the retry succeeds next pass.
	sched.Tick(context.Background())
	snap, err = queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snap.State)
	require.Equal(t, agent.ID, snap.AgentID)
	require.Equal(t, 2, snap.DispatchAttempts)
}

func TestDispatchBudgetExhaustion(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(time.Minute)
	disp := &fakeDispatcher{failN: 10}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{MaxDispatchAttempts: 2}, discardLog())

	var (
		mu       sync.Mutex
		terminal []Job
	)
	sched.OnResult = func(job Job) {
		mu.Lock()
		terminal = append(terminal, job)
		mu.Unlock()
	}

	_, err := pool.Register([]string{"linux"}, 4)
	require.NoError(t, err)
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	// Capacity 4 gives the pass room to burn the whole budget in one tick.
	sched.Tick(context.Background())

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Outcome)
	require.Equal(t, ReasonDispatchExhausted, snap.Outcome.Reason)

	require.Len(t, terminal, 1)
	require.Equal(t, job.ID, terminal[0].ID)
	require.Len(t, disp.calls, 2)
}

func TestAgentLostFailsInFlightJob(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(10 * time.Millisecond)
	disp := &fakeDispatcher{}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{}, discardLog())

	var terminal []Job
	sched.OnResult = func(job Job) { terminal = append(terminal, job) }

	_, err := pool.Register([]string{"linux"}, 1)
	require.NoError(t, err)
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	sched.Tick(context.Background())
	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snap.State)

	// Let the heartbeat go stale, then reap on the next pass.
	time.Sleep(30 * time.Millisecond)
	sched.Tick(context.Background())

	snap, err = queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Outcome)
	require.Equal(t, ReasonAgentLost, snap.Outcome.Reason)
	require.Len(t, terminal, 1)
}

func TestAgentLostRequeuesWhenConfigured(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(10 * time.Millisecond)
	disp := &fakeDispatcher{}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{RequeueOnAgentLost: true}, discardLog())

	_, err := pool.Register([]string{"linux"}, 1)
	require.NoError(t, err)
	job, err := queue.Submit(shellDef("a"))
	require.NoError(t, err)

	sched.Tick(context.Background())
	time.Sleep(30 * time.Millisecond)
	sched.Tick(context.Background())

	snap, err := queue.Snapshot(job.ID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, snap.State)
}

func TestTickSerializesLockedJobs(t *testing.T) {
	queue := NewQueue(NewLockTable())
	pool := NewPool(time.Minute)
	disp := &fakeDispatcher{}
	sched := NewScheduler(queue, pool, disp, SchedulerConfig{}, discardLog())

	_, err := pool.Register([]string{"linux"}, 2)
	require.NoError(t, err)

	withLock := func(d *Definition) { d.Lock = "prod-deploy" }
	jobA, err := queue.Submit(shellDef("a", withLock))
	require.NoError(t, err)
	jobB, err := queue.Submit(shellDef("b", withLock))
	require.NoError(t, err)

	sched.Tick(context.Background())

	snapA, err := queue.Snapshot(jobA.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snapA.State)
	snapB, err := queue.Snapshot(jobB.ID)
	require.NoError(t, err)
	require.Equal(t, StateQueued, snapB.State)

	// B only moves once A finishes and the lock is released.
	_, err = queue.MarkResult(jobA.ID, Outcome{State: StateSucceeded})
	require.NoError(t, err)
	sched.Tick(context.Background())

	snapB, err = queue.Snapshot(jobB.ID)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, snapB.State)
}
