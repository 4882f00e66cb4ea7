package core

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher hands a scheduled job to its reserved agent. An error means
// the handoff did not start; the scheduler releases the reservation and
// requeues the job within its retry budget.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job, agentID string) error
}

// SchedulerConfig tunes the matching loop.
type SchedulerConfig struct {
	// Interval between scheduling passes.
	Interval time.Duration

	// MaxDispatchAttempts bounds how many times a job may be handed to
	// an agent before it fails with DispatchExhausted.
	MaxDispatchAttempts int

	// RequeueOnAgentLost returns jobs stranded by a dead agent to the
	// queue instead of failing them.
	RequeueOnAgentLost bool
}

// Scheduler matches queued jobs to pool agents. Each pass fails over
// jobs stranded on reaped agents, then fills free agent slots with
// eligible work. Lock acquisition is atomic with the dequeue and the
// capacity reservation precedes the handoff, so no partially scheduled
// state is ever observable.
type Scheduler struct {
	queue    *Queue
	pool     *Pool
	dispatch Dispatcher
	cfg      SchedulerConfig
	log      *logrus.Entry

	// OnResult, when set, observes jobs the scheduler itself drives to a
	// terminal state (AgentLost, DispatchExhausted) so the caller can
	// archive and notify.
	OnResult func(Job)
}

func NewScheduler(queue *Queue, pool *Pool, dispatch Dispatcher, cfg SchedulerConfig, log *logrus.Entry) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxDispatchAttempts < 1 {
		cfg.MaxDispatchAttempts = 3
	}
	return &Scheduler{queue: queue, pool: pool, dispatch: dispatch, cfg: cfg, log: log}
}

// Run executes scheduling passes until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single scheduling pass. Exposed so tests and event
// triggers can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.failOverLostAgents()
	s.dispatchPass(ctx)
}

func (s *Scheduler) failOverLostAgents() {
	for _, lost := range s.pool.ReapStale(time.Now().UTC()) {
		log := s.log.WithFields(logrus.Fields{"job": lost.JobID, "agent": lost.AgentID})
		if s.cfg.RequeueOnAgentLost {
			if _, err := s.queue.Requeue(lost.JobID); err != nil {
				log.WithError(err).Warn("cannot requeue job from lost agent")
				continue
			}
			log.Info("agent lost, job requeued")
			continue
		}
		job, err := s.queue.MarkResult(lost.JobID, Outcome{
			State:  StateFailed,
			Reason: ReasonAgentLost,
		})
		if err != nil {
			log.WithError(err).Warn("cannot fail job from lost agent")
			continue
		}
		log.Info("agent lost, job failed")
		s.notify(job)
	}
}

func (s *Scheduler) dispatchPass(ctx context.Context) {
	for _, agent := range s.pool.Available() {
		for free := agent.Capacity - agent.Load; free > 0; free-- {
			job, err := s.queue.DequeueNext(agent.Labels, agent.ID)
			if errors.Is(err, ErrNoEligibleJob) {
				break
			}
			if err != nil {
				s.log.WithError(err).Error("dequeue failed")
				break
			}
			s.handoff(ctx, job, agent.ID)
		}
	}
}

func (s *Scheduler) handoff(ctx context.Context, job Job, agentID string) {
	log := s.log.WithFields(logrus.Fields{"job": job.ID, "agent": agentID, "attempt": job.DispatchAttempts})

	if err := s.pool.Reserve(agentID, job.ID); err != nil {
		log.WithError(err).Warn("reservation failed, requeueing")
		s.requeueOrExhaust(job, log)
		return
	}

	if err := s.dispatch.Dispatch(ctx, job, agentID); err != nil {
		log.WithError(err).Warn("dispatch failed, releasing reservation")
		if rerr := s.pool.Release(agentID, job.ID); rerr != nil {
			log.WithError(rerr).Warn("release after failed dispatch")
		}
		s.requeueOrExhaust(job, log)
		return
	}
	log.Info("job dispatched")
}

func (s *Scheduler) requeueOrExhaust(job Job, log *logrus.Entry) {
	if job.DispatchAttempts >= s.cfg.MaxDispatchAttempts {
		failed, err := s.queue.MarkResult(job.ID, Outcome{
			State:  StateFailed,
			Reason: ReasonDispatchExhausted,
		})
		if err != nil {
			log.WithError(err).Error("cannot fail job after exhausted dispatch budget")
			return
		}
		log.Warn("dispatch budget exhausted, job failed")
		s.notify(failed)
		return
	}
	if _, err := s.queue.Requeue(job.ID); err != nil {
		log.WithError(err).Error("requeue failed")
	}
}

func (s *Scheduler) notify(job Job) {
	if s.OnResult != nil {
		s.OnResult(job)
	}
}
