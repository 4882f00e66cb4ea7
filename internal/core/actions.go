package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"forgeci/internal/external"
)

// Runtime dispatches the closed set of stage action variants to their
// runners. It is the agent-side ActionRunner.
type Runtime struct {
	Shell      *ShellRunner
	Containers *ContainerRunner
	Approvals  *ApprovalRunner
	Gates      *GateRunner
}

func (r *Runtime) Run(ctx context.Context, job Job, stage Stage) (string, error) {
	switch stage.Action.Type {
	case ActionShell:
		return r.Shell.Run(ctx, stage)
	case ActionContainer:
		return r.Containers.Run(ctx, stage)
	case ActionApproval:
		return r.Approvals.Run(ctx, job, stage)
	case ActionGate:
		return r.Gates.Run(ctx, stage)
	default:
		return "", fmt.Errorf("no runner for action type %q", stage.Action.Type)
	}
}

// ShellRunner executes shell actions with `sh -c`, capturing combined
// output. Env values that are secret references are resolved through
// the secret source before the process starts.
type ShellRunner struct {
	Workdir string
	Secrets external.SecretSource
}

func (r *ShellRunner) Run(ctx context.Context, stage Stage) (string, error) {
	env, err := resolveEnv(ctx, stage.Action.Env, r.Secrets)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", stage.Action.Run)
	cmd.Dir = r.Workdir
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	return out.String(), err
}

// ContainerRunner executes container actions through the configured
// container engine binary. The engine itself is a black box.
type ContainerRunner struct {
	Engine  string // e.g. "docker" or "podman"
	Workdir string
	Secrets external.SecretSource
}

func (r *ContainerRunner) Run(ctx context.Context, stage Stage) (string, error) {
	env, err := resolveEnv(ctx, stage.Action.Env, r.Secrets)
	if err != nil {
		return "", err
	}

	engine := r.Engine
	if engine == "" {
		engine = "docker"
	}
	args := []string{"run", "--rm"}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, stage.Action.Image)
	args = append(args, stage.Action.Command...)

	cmd := exec.CommandContext(ctx, engine, args...)
	cmd.Dir = r.Workdir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	return out.String(), err
}

// ApprovalRunner blocks the stage until the approval source grants it
// or the stage timeout aborts the wait.
type ApprovalRunner struct {
	Source       external.ApprovalSource
	PollInterval time.Duration
}

func (r *ApprovalRunner) Run(ctx context.Context, job Job, stage Stage) (string, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if err := external.PollApproval(ctx, r.Source, job.ID, stage.Name, interval); err != nil {
		return "", fmt.Errorf("approval not granted: %w", err)
	}
	msg := fmt.Sprintf("approval granted for stage %q", stage.Name)
	if stage.Action.Approver != "" {
		msg += " (requested from " + stage.Action.Approver + ")"
	}
	return msg + "\n", nil
}

// GateRunner queries the external metrics endpoint and fails the stage
// when the observed value breaches the declared threshold.
type GateRunner struct {
	Metrics external.MetricsSource
}

func (r *GateRunner) Run(ctx context.Context, stage Stage) (string, error) {
	a := stage.Action
	value, err := r.Metrics.Value(ctx, a.Metric)
	if err != nil {
		return "", fmt.Errorf("gate %q: %w", a.Metric, err)
	}

	breached := value < a.Threshold
	cmp := "below"
	if a.FailAbove {
		breached = value > a.Threshold
		cmp = "above"
	}
	out := fmt.Sprintf("gate %q: value=%g threshold=%g\n", a.Metric, value, a.Threshold)
	if breached {
		return out, fmt.Errorf("gate %q breached: %g is %s threshold %g", a.Metric, value, cmp, a.Threshold)
	}
	return out, nil
}

func resolveEnv(ctx context.Context, env map[string]string, secrets external.SecretSource) ([]string, error) {
	out := make([]string, 0, len(env))
	for key, value := range env {
		if external.IsSecretRef(value) {
			if secrets == nil {
				return nil, fmt.Errorf("env %s references a secret but no secret source is configured", key)
			}
			resolved, err := secrets.Resolve(ctx, value)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", key, err)
			}
			value = resolved
		}
		out = append(out, key+"="+value)
	}
	return out, nil
}
