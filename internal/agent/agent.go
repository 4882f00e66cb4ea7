package agent

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"forgeci/internal/config"
	"forgeci/internal/core"
)

// Agent runs dispatched jobs. Capacity is enforced locally with a slot
// channel mirroring the reservation the server holds for each job.
type Agent struct {
	cfg    config.Agent
	client *Client
	exec   *core.Executor
	log    *logrus.Entry

	id    string
	slots chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(cfg config.Agent, client *Client, exec *core.Executor, log *logrus.Entry) *Agent {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Agent{
		cfg:     cfg,
		client:  client,
		exec:    exec,
		log:     log,
		slots:   make(chan struct{}, capacity),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run registers, then heartbeats and polls until the context ends.
// Registration retries with backoff so the agent survives a control
// plane that comes up after it.
func (a *Agent) Run(ctx context.Context) error {
	backoff := retry.WithMaxRetries(10, retry.NewFibonacci(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := a.client.Register(ctx, a.cfg.Labels, a.cfg.Capacity)
		if err != nil {
			a.log.WithError(err).Warn("registration failed, retrying")
			return retry.RetryableError(err)
		}
		a.id = id
		return nil
	})
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{"agent": a.id, "labels": a.cfg.Labels}).Info("registered with control plane")

	go a.heartbeatLoop(ctx)
	a.pollLoop(ctx)

	// Best-effort goodbye so the server frees this agent immediately.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(shutdownCtx, a.id); err != nil {
		a.log.WithError(err).Warn("deregister on shutdown failed")
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aborts, err := a.client.Heartbeat(ctx, a.id)
			if err != nil {
				a.log.WithError(err).Warn("heartbeat failed")
				continue
			}
			for _, jobID := range aborts {
				a.abort(jobID)
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce fetches at most one job per tick, respecting free capacity.
func (a *Agent) pollOnce(ctx context.Context) {
	select {
	case a.slots <- struct{}{}:
	default:
		return // saturated
	}
	release := func() { <-a.slots }

	job, err := a.client.NextJob(ctx, a.id)
	if err != nil {
		a.log.WithError(err).Warn("job poll failed")
		release()
		return
	}
	if job == nil {
		release()
		return
	}

	go func() {
		defer release()
		a.runJob(ctx, *job)
	}()
}

func (a *Agent) runJob(ctx context.Context, job core.Job) {
	log := a.log.WithField("job", job.ID)
	log.WithField("name", job.Definition.Name).Info("job started")

	jobCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[job.ID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, job.ID)
		a.mu.Unlock()
	}()

	outcome := a.exec.Execute(jobCtx, job, func(res core.StageResult) {
		// Progress reports are best-effort; the terminal report carries
		// every stage result again.
		reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(jobCtx), 10*time.Second)
		defer reportCancel()
		if err := a.client.ReportStage(reportCtx, job.ID, res); err != nil {
			log.WithError(err).Warn("stage report failed")
		}
	})

	resultCtx, resultCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer resultCancel()
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(time.Second))
	err := retry.Do(resultCtx, backoff, func(ctx context.Context) error {
		if err := a.client.ReportResult(ctx, job.ID, outcome); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("cannot deliver terminal result")
		return
	}
	log.WithFields(logrus.Fields{"state": outcome.State, "reason": outcome.Reason}).Info("job finished")
}

// abort cancels a running job's context best-effort.
func (a *Agent) abort(jobID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[jobID]
	a.mu.Unlock()
	if ok {
		a.log.WithField("job", jobID).Info("abort requested, cancelling")
		cancel()
	}
}
