package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"forgeci/internal/api"
	"forgeci/internal/audit"
	"forgeci/internal/core"
	"forgeci/internal/storage"
)

const testDefinition = `
name: build
labels: [linux]
stages:
  - name: compile
    action:
      type: shell
      run: make build
`

type harness struct {
	srv     *httptest.Server
	app     *Server
	sched   *core.Scheduler
	queue   *core.Queue
	pool    *core.Pool
	journal *audit.Journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	log := logrus.New()
	log.SetOutput(io.Discard)
	entry := logrus.NewEntry(log)

	archive, err := storage.OpenArchive(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	journal, err := audit.Open(filepath.Join(dir, "journal.jsonl"))
	require.NoError(t, err)
	pub, priv, err := audit.GenerateKeyPair()
	require.NoError(t, err)

	locks := core.NewLockTable()
	queue := core.NewQueue(locks)
	pool := core.NewPool(time.Minute)
	boxes := NewMailboxes()

	srv := New(entry, queue, pool, boxes, archive, journal, nil, pub, priv)
	sched := core.NewScheduler(queue, pool, boxes, core.SchedulerConfig{MaxDispatchAttempts: 3}, entry)
	sched.OnResult = srv.RecordResult

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{srv: ts, app: srv, sched: sched, queue: queue, pool: pool, journal: journal}
}

func (h *harness) delete(t *testing.T, path string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (h *harness) post(t *testing.T, path, contentType string, body []byte, out interface{}) int {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) get(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) registerAgent(t *testing.T, labels []string, capacity int) core.Agent {
	t.Helper()
	body, err := json.Marshal(api.RegisterRequest{Labels: labels, Capacity: capacity})
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/agents/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var agent core.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agent))
	return agent
}

func (h *harness) submit(t *testing.T, def string) string {
	t.Helper()
	var ack api.SubmitResponse
	status := h.post(t, "/jobs", "application/yaml", []byte(def), &ack)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, core.StateQueued, ack.State)
	return ack.ID
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	h := newHarness(t)
	status := h.post(t, "/jobs", "application/yaml", []byte("name: broken"), nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent(t, []string{"linux", "docker"}, 1)
	jobID := h.submit(t, testDefinition)

	// Nothing dispatched yet: agent poll comes back empty.
	status := h.get(t, "/agents/"+agent.ID+"/jobs/next", nil)
	require.Equal(t, http.StatusNoContent, status)

	h.sched.Tick(context.Background())

	var job core.Job
	status = h.get(t, "/agents/"+agent.ID+"/jobs/next", &job)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, core.StateRunning, job.State)
	require.Equal(t, "build", job.Definition.Name)

	// Stage progress shows up in the status view.
	stage, err := json.Marshal(core.StageResult{Stage: "compile", Status: core.StageSucceeded, Attempts: 1})
	require.NoError(t, err)
	status = h.post(t, "/jobs/"+jobID+"/stages", "application/json", stage, nil)
	require.Equal(t, http.StatusNoContent, status)

	var st api.JobStatus
	status = h.get(t, "/jobs/"+jobID, &st)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, core.StateRunning, st.State)
	require.Len(t, st.Stages, 1)
	require.Equal(t, "compile", st.Stages[0].Stage)

	// Terminal result: archived, journaled and dropped from live state.
	outcome, err := json.Marshal(core.Outcome{
		State:      core.StateSucceeded,
		FinishedAt: time.Now().UTC(),
		Stages:     []core.StageResult{{Stage: "compile", Status: core.StageSucceeded, Attempts: 1}},
	})
	require.NoError(t, err)
	status = h.post(t, "/jobs/"+jobID+"/result", "application/json", outcome, nil)
	require.Equal(t, http.StatusOK, status)

	status = h.get(t, "/jobs/"+jobID, &st)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, core.StateSucceeded, st.State)
	require.NotNil(t, st.Outcome)

	// The agent slot is free again.
	require.Len(t, h.pool.Available(), 1)

	// The job left live state when it was archived, so a duplicate
	// result has nothing to apply to.
	status = h.post(t, "/jobs/"+jobID+"/result", "application/json", outcome, nil)
	require.Equal(t, http.StatusNotFound, status)

	status = h.get(t, "/audit/verify", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestAbortQueuedJobOverHTTP(t *testing.T) {
	h := newHarness(t)
	jobID := h.submit(t, testDefinition)

	var ack api.AbortResponse
	status := h.post(t, "/jobs/"+jobID+"/abort", "application/json", nil, &ack)
	require.Equal(t, http.StatusOK, status)
	require.True(t, ack.Aborted)
	require.Equal(t, core.StateAborted, ack.State)

	// The aborted job is archived and still queryable.
	var st api.JobStatus
	status = h.get(t, "/jobs/"+jobID, &st)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, core.StateAborted, st.State)
}

func TestAbortRunningJobPropagatesViaHeartbeat(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent(t, []string{"linux"}, 1)
	jobID := h.submit(t, testDefinition)

	h.sched.Tick(context.Background())
	var job core.Job
	require.Equal(t, http.StatusOK, h.get(t, "/agents/"+agent.ID+"/jobs/next", &job))

	var ack api.AbortResponse
	status := h.post(t, "/jobs/"+jobID+"/abort", "application/json", nil, &ack)
	require.Equal(t, http.StatusOK, status)
	require.False(t, ack.Aborted) // running: abort is a request, not a fact

	var hb api.HeartbeatResponse
	status = h.post(t, "/agents/"+agent.ID+"/heartbeat", "application/json", nil, &hb)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{jobID}, hb.Abort)
}

func TestRequeuedJobIsNotDeliveredTwice(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent(t, []string{"linux"}, 1)
	jobID := h.submit(t, testDefinition)

	h.sched.Tick(context.Background())

	// The job was dispatched but gets requeued before the agent polls;
	// the stale mailbox entry must be skipped.
	_, err := h.queue.Requeue(jobID)
	require.NoError(t, err)
	require.NoError(t, h.pool.Release(agent.ID, jobID))

	status := h.get(t, "/agents/"+agent.ID+"/jobs/next", nil)
	require.Equal(t, http.StatusNoContent, status)
}

func TestUnknownResourcesReturn404(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusNotFound, h.get(t, "/jobs/nope", nil))
	require.Equal(t, http.StatusNotFound, h.post(t, "/jobs/nope/abort", "application/json", nil, nil))
	require.Equal(t, http.StatusNotFound, h.post(t, "/agents/nope/heartbeat", "application/json", nil, nil))
}

func TestListJobsAndAgents(t *testing.T) {
	h := newHarness(t)
	h.registerAgent(t, []string{"linux"}, 2)
	h.submit(t, testDefinition)
	h.submit(t, strings.Replace(testDefinition, "name: build", "name: deploy", 1))

	var jobs []api.JobStatus
	require.Equal(t, http.StatusOK, h.get(t, "/jobs", &jobs))
	require.Len(t, jobs, 2)

	var agents []core.Agent
	require.Equal(t, http.StatusOK, h.get(t, "/agents", &agents))
	require.Len(t, agents, 1)
	require.Equal(t, 2, agents[0].Capacity)
}

func TestConcurrentRecordsAllReachJournal(t *testing.T) {
	h := newHarness(t)

	const jobs = 8
	terminal := make([]core.Job, 0, jobs)
	for i := 0; i < jobs; i++ {
		id := h.submit(t, testDefinition)
		_, err := h.queue.DequeueNext([]string{"linux"}, "agent-1")
		require.NoError(t, err)
		job, err := h.queue.MarkResult(id, core.Outcome{State: core.StateSucceeded, FinishedAt: time.Now().UTC()})
		require.NoError(t, err)
		job.AgentID = ""
		terminal = append(terminal, job)
	}

	var wg sync.WaitGroup
	for _, job := range terminal {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.app.RecordResult(job)
		}()
	}
	wg.Wait()

	require.Equal(t, jobs, h.journal.NextIndex())
	require.NoError(t, h.journal.VerifyChain())
}

func TestDeregisterFailsOverReservedJobs(t *testing.T) {
	h := newHarness(t)
	agent := h.registerAgent(t, []string{"linux"}, 1)
	jobID := h.submit(t, testDefinition)

	h.sched.Tick(context.Background())

	status := h.delete(t, "/agents/"+agent.ID)
	require.Equal(t, http.StatusNoContent, status)

	var st api.JobStatus
	require.Equal(t, http.StatusOK, h.get(t, "/jobs/"+jobID, &st))
	require.Equal(t, core.StateFailed, st.State)
	require.NotNil(t, st.Outcome)
	require.Equal(t, core.ReasonAgentLost, st.Outcome.Reason)

	var agents []core.Agent
	require.Equal(t, http.StatusOK, h.get(t, "/agents", &agents))
	require.Empty(t, agents)

	// Gone means gone.
	require.Equal(t, http.StatusNotFound, h.delete(t, "/agents/"+agent.ID))
}

func TestMailboxOverflowFailsDispatch(t *testing.T) {
	boxes := NewMailboxes()
	ctx := context.Background()
	for i := 0; i < mailboxSize; i++ {
		require.NoError(t, boxes.Dispatch(ctx, core.Job{ID: "job"}, "agent-1"))
	}
	require.Error(t, boxes.Dispatch(ctx, core.Job{ID: "overflow"}, "agent-1"))

	// Draining frees a slot.
	_, ok := boxes.Next("agent-1")
	require.True(t, ok)
	require.NoError(t, boxes.Dispatch(ctx, core.Job{ID: "job"}, "agent-1"))
}
