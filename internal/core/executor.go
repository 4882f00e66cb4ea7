package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxInlineOutput bounds the stage output carried inline in results;
// the full capture stays behind the OutputRef.
const maxInlineOutput = 64 * 1024

// ActionRunner executes one stage's action. Implementations cover the
// closed action set (shell, container, approval, gate); no reflection.
type ActionRunner interface {
	Run(ctx context.Context, job Job, stage Stage) (output string, err error)
}

// LogSink persists a stage's captured output and returns its reference.
type LogSink interface {
	Save(jobID, stage, output string) (path, hash string, err error)
}

// ArtifactPublisher uploads a succeeded stage's declared artifacts.
type ArtifactPublisher interface {
	Publish(ctx context.Context, jobID string, paths []string) error
}

// ExecutorConfig tunes per-stage execution.
type ExecutorConfig struct {
	// DefaultStageTimeout applies to stages that declare none.
	DefaultStageTimeout time.Duration

	// Backoff selects the retry delay curve: "fixed" or "exponential".
	Backoff string

	// BackoffBase is the initial retry delay.
	BackoffBase time.Duration
}

// Executor runs a job's ordered stage graph: strictly declared order,
// except consecutive stages sharing a group name, which run concurrently
// and succeed only if all members succeed. Each stage gets a per-attempt
// timeout and a bounded retry budget. Post-condition hooks run after the
// terminal stage outcome is known and cannot change it.
type Executor struct {
	runner ActionRunner
	cfg    ExecutorConfig
	log    *logrus.Entry

	// Logs and Artifacts are optional sinks wired by the host.
	Logs      LogSink
	Artifacts ArtifactPublisher
}

func NewExecutor(runner ActionRunner, cfg ExecutorConfig, log *logrus.Entry) *Executor {
	if cfg.DefaultStageTimeout <= 0 {
		cfg.DefaultStageTimeout = 10 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Executor{runner: runner, cfg: cfg, log: log}
}

// Execute runs the job to a terminal outcome. Cancelling ctx aborts the
// currently running stage best-effort and skips the rest; hooks still
// run. onStage, when set, observes every stage result as it lands.
func (e *Executor) Execute(ctx context.Context, job Job, onStage func(StageResult)) Outcome {
	var results []StageResult
	record := func(res StageResult) {
		results = append(results, res)
		if onStage != nil {
			onStage(res)
		}
	}

	var failure *StageError
	for _, group := range groupStages(job.Definition.Stages) {
		if failure != nil || ctx.Err() != nil {
			for _, stage := range group {
				record(StageResult{Stage: stage.Name, Status: StageSkipped})
			}
			continue
		}
		if len(group) == 1 {
			res, serr := e.runStage(ctx, job, group[0])
			record(res)
			if serr != nil {
				failure = serr
			}
			continue
		}
		groupResults, serr := e.runGroup(ctx, job, group)
		for _, res := range groupResults {
			record(res)
		}
		if serr != nil {
			failure = serr
		}
	}

	outcome := Outcome{State: StateSucceeded, FinishedAt: time.Now().UTC()}
	switch {
	case failure != nil && failure.Reason == ReasonAborted:
		outcome.State = StateAborted
		outcome.Reason = ReasonAborted
		outcome.TerminalStage = failure.Stage
	case failure != nil:
		outcome.State = StateFailed
		outcome.Reason = failure.Reason
		outcome.TerminalStage = failure.Stage
	case ctx.Err() != nil:
		outcome.State = StateAborted
		outcome.Reason = ReasonAborted
	}

	e.runHooks(ctx, job, &outcome, record)
	outcome.Stages = results
	return outcome
}

// runGroup executes sibling stages concurrently. The first failure
// cancels the rest of the group; the group fails unless every member
// succeeds. Results come back in declared order.
func (e *Executor) runGroup(ctx context.Context, job Job, group []Stage) ([]StageResult, *StageError) {
	results := make([]StageResult, len(group))
	var (
		mu      sync.Mutex
		failure *StageError
	)

	eg, gctx := errgroup.WithContext(ctx)
	for i, stage := range group {
		i, stage := i, stage
		eg.Go(func() error {
			res, serr := e.runStage(gctx, job, stage)
			mu.Lock()
			results[i] = res
			// Siblings cancelled by the group's first failure report
			// Aborted; keep the originating failure as the group's cause.
			if serr != nil && (failure == nil ||
				(failure.Reason == ReasonAborted && serr.Reason != ReasonAborted)) {
				failure = serr
			}
			mu.Unlock()
			if serr != nil {
				return serr
			}
			return nil
		})
	}
	_ = eg.Wait()
	return results, failure
}

// runStage executes one stage with its timeout and retry budget.
func (e *Executor) runStage(ctx context.Context, job Job, stage Stage) (StageResult, *StageError) {
	timeout := stage.Timeout.Or(e.cfg.DefaultStageTimeout)
	log := e.log.WithFields(logrus.Fields{"job": job.ID, "stage": stage.Name})

	var (
		attempts int
		output   string
		timedOut bool
	)
	work := func(attemptCtx context.Context) error {
		attempts++
		timedOut = false
		runCtx, cancel := context.WithTimeout(attemptCtx, timeout)
		defer cancel()

		out, err := e.runner.Run(runCtx, job, stage)
		output = out
		if err == nil {
			return nil
		}
		if attemptCtx.Err() != nil {
			// Parent cancelled: abort, never retry.
			return err
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			timedOut = true
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		log.WithError(err).WithField("attempt", attempts).Warn("stage attempt failed")
		return retry.RetryableError(err)
	}

	err := retry.Do(ctx, e.backoff(stage), work)
	ref := e.saveLog(job.ID, stage.Name, output, log)

	res := StageResult{
		Stage:    stage.Name,
		Attempts: attempts,
		Output:   truncate(output),
		Ref:      ref,
	}
	if err != nil {
		reason := ReasonStageFailure
		switch {
		case ctx.Err() != nil && !timedOut:
			reason = ReasonAborted
		case timedOut:
			reason = ReasonStageTimeout
		}
		res.Status = StageFailed
		res.Error = err.Error()
		return res, &StageError{Stage: stage.Name, Reason: reason, Ref: ref, Err: err}
	}

	res.Status = StageSucceeded
	if e.Artifacts != nil && len(stage.Artifacts) > 0 {
		if perr := e.Artifacts.Publish(ctx, job.ID, stage.Artifacts); perr != nil {
			log.WithError(perr).Warn("artifact publish failed")
		}
	}
	return res, nil
}

// runHooks executes the post-condition stages. They run even when the
// job was aborted, on a context detached from the job's cancellation,
// and their failures only ever make it into the log.
func (e *Executor) runHooks(ctx context.Context, job Job, outcome *Outcome, record func(StageResult)) {
	hooks := job.Definition.Hooks
	var stages []Stage
	stages = append(stages, hooks.Always...)
	if outcome.State == StateSucceeded {
		stages = append(stages, hooks.OnSuccess...)
	} else {
		stages = append(stages, hooks.OnFailure...)
	}
	if len(stages) == 0 {
		return
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, stage := range stages {
		res, serr := e.runStage(hookCtx, job, stage)
		record(res)
		if serr != nil {
			e.log.WithFields(logrus.Fields{"job": job.ID, "hook": stage.Name}).
				WithError(serr).Warn("post-condition hook failed")
		}
	}
}

func (e *Executor) backoff(stage Stage) retry.Backoff {
	var b retry.Backoff
	if e.cfg.Backoff == "exponential" {
		b = retry.NewExponential(e.cfg.BackoffBase)
	} else {
		b = retry.NewConstant(e.cfg.BackoffBase)
	}
	return retry.WithMaxRetries(uint64(stage.Retries), b)
}

func (e *Executor) saveLog(jobID, stage, output string, log *logrus.Entry) OutputRef {
	if e.Logs == nil {
		return OutputRef{}
	}
	path, hash, err := e.Logs.Save(jobID, stage, output)
	if err != nil {
		log.WithError(err).Warn("cannot save stage log")
		return OutputRef{}
	}
	return OutputRef{Path: path, Hash: hash}
}

// groupStages splits the declared order into execution units:
// consecutive stages sharing a non-empty group name run together.
func groupStages(stages []Stage) [][]Stage {
	var groups [][]Stage
	for i := 0; i < len(stages); {
		if stages[i].Group == "" {
			groups = append(groups, stages[i:i+1])
			i++
			continue
		}
		j := i + 1
		for j < len(stages) && stages[j].Group == stages[i].Group {
			j++
		}
		groups = append(groups, stages[i:j])
		i = j
	}
	return groups
}

func truncate(s string) string {
	if len(s) <= maxInlineOutput {
		return s
	}
	cut := s[len(s)-maxInlineOutput:]
	// The cut can land inside a multi-byte sequence; drop the orphaned
	// continuation bytes.
	for i := 0; i < len(cut); i++ {
		if utf8.RuneStart(cut[i]) {
			return cut[i:]
		}
	}
	return ""
}
