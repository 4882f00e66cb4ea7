// Package server is the control-plane HTTP surface: job submission and
// status, agent registration and polling, result recording.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"forgeci/internal/audit"
	"forgeci/internal/core"
	"forgeci/internal/external"
	"forgeci/internal/storage"
)

// mailboxSize bounds undelivered dispatches per agent. A full mailbox
// fails the dispatch so the scheduler requeues instead of blocking.
const mailboxSize = 16

// Mailboxes is the server-side Dispatcher: scheduled jobs wait in a
// per-agent box until the agent's next poll picks them up.
type Mailboxes struct {
	mu    sync.Mutex
	boxes map[string]chan core.Job
}

func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxes: make(map[string]chan core.Job)}
}

func (m *Mailboxes) box(agentID string) chan core.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[agentID]
	if !ok {
		box = make(chan core.Job, mailboxSize)
		m.boxes[agentID] = box
	}
	return box
}

// Dispatch places the job in the agent's mailbox. Implements
// core.Dispatcher.
func (m *Mailboxes) Dispatch(_ context.Context, job core.Job, agentID string) error {
	select {
	case m.box(agentID) <- job:
		return nil
	default:
		return fmt.Errorf("mailbox for agent %s is full", agentID)
	}
}

// Next pops the agent's next undelivered job, if any.
func (m *Mailboxes) Next(agentID string) (core.Job, bool) {
	select {
	case job := <-m.box(agentID):
		return job, true
	default:
		return core.Job{}, false
	}
}

// Server wires the queue, pool, dispatcher and recording sinks behind
// the HTTP API.
type Server struct {
	log      *logrus.Entry
	queue    *core.Queue
	pool     *core.Pool
	boxes    *Mailboxes
	archive  *storage.Archive
	journal  *audit.Journal
	notifier external.Notifier
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey

	mu       sync.Mutex
	progress map[string][]core.StageResult // in-flight stage reports
}

func New(
	log *logrus.Entry,
	queue *core.Queue,
	pool *core.Pool,
	boxes *Mailboxes,
	archive *storage.Archive,
	journal *audit.Journal,
	notifier external.Notifier,
	pub ed25519.PublicKey,
	priv ed25519.PrivateKey,
) *Server {
	if notifier == nil {
		notifier = external.NopNotifier{}
	}
	return &Server{
		log:      log,
		queue:    queue,
		pool:     pool,
		boxes:    boxes,
		archive:  archive,
		journal:  journal,
		notifier: notifier,
		pub:      pub,
		priv:     priv,
		progress: make(map[string][]core.StageResult),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/jobs", s.handleSubmitJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleJobStatus)
	r.Post("/jobs/{jobID}/abort", s.handleAbortJob)
	r.Post("/jobs/{jobID}/stages", s.handleStageReport)
	r.Post("/jobs/{jobID}/result", s.handleJobResult)

	r.Post("/agents/register", s.handleRegisterAgent)
	r.Get("/agents", s.handleListAgents)
	r.Delete("/agents/{agentID}", s.handleDeregisterAgent)
	r.Post("/agents/{agentID}/heartbeat", s.handleHeartbeat)
	r.Get("/agents/{agentID}/jobs/next", s.handleNextJob)

	r.Get("/audit/verify", s.handleVerifyJournal)
	return r
}

// RecordResult archives, journals and announces a terminal job, then
// drops it from live state. Sink failures are logged and do not undo
// the already-determined result. Also invoked by the scheduler for
// AgentLost and DispatchExhausted failures.
func (s *Server) RecordResult(job core.Job) {
	log := s.log.WithFields(logrus.Fields{"job": job.ID, "state": job.State})
	if job.Outcome == nil {
		log.Error("record called without terminal outcome")
		return
	}

	if job.AgentID != "" {
		if err := s.pool.Release(job.AgentID, job.ID); err != nil {
			log.WithError(err).Warn("cannot release agent reservation")
		}
	}

	s.mu.Lock()
	delete(s.progress, job.ID)
	s.mu.Unlock()

	ctx := context.Background()
	archived := true
	if err := s.archive.SaveResult(ctx, job); err != nil {
		archived = false
		log.WithError(err).Error("cannot archive job result")
	}

	if s.journal != nil {
		_, err := s.journal.AppendResult(
			job.ID,
			job.Definition.Name,
			string(job.State),
			string(job.Outcome.Reason),
			job.Outcome.TerminalStage,
			terminalOutputHash(job.Outcome),
			job.AgentID,
			s.priv, s.pub,
		)
		if err != nil {
			log.WithError(err).Error("cannot append journal entry")
		}
	}

	if err := s.notifier.Notify(ctx, external.ResultMessage{
		JobID:         job.ID,
		Name:          job.Definition.Name,
		State:         string(job.State),
		Reason:        string(job.Outcome.Reason),
		TerminalStage: job.Outcome.TerminalStage,
		FinishedAt:    job.Outcome.FinishedAt,
	}); err != nil {
		log.WithError(err).Warn("notification delivery failed")
	}

	if archived {
		s.queue.Forget(job.ID)
	}
	log.Info("job result recorded")
}

// terminalOutputHash picks the output reference of the stage that
// decided the job, falling back to the last captured stage.
func terminalOutputHash(outcome *core.Outcome) string {
	for _, res := range outcome.Stages {
		if res.Stage == outcome.TerminalStage && res.Ref.Hash != "" {
			return res.Ref.Hash
		}
	}
	for i := len(outcome.Stages) - 1; i >= 0; i-- {
		if outcome.Stages[i].Ref.Hash != "" {
			return outcome.Stages[i].Ref.Hash
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
