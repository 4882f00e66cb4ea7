// Local runner: executes a job definition in-process with the shell
// runtime, without a control plane. Useful for trying a pipeline before
// submitting it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"forgeci/internal/core"
	"forgeci/internal/external"
	"forgeci/internal/logging"
	"forgeci/internal/storage"
)

func main() {
	logDir := flag.String("logs", "./logs", "stage log directory")
	workdir := flag.String("workdir", ".", "working directory for shell stages")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runner [flags] <definition.yaml>")
		os.Exit(1)
	}

	def, err := core.LoadDefinition(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load definition: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("info", "text")
	runtime := &core.Runtime{
		Shell:      &core.ShellRunner{Workdir: *workdir, Secrets: external.EnvSecrets{Prefix: "FORGECI_SECRET_"}},
		Containers: &core.ContainerRunner{Workdir: *workdir},
		Approvals:  &core.ApprovalRunner{Source: external.StaticApprovals(true)},
		Gates:      &core.GateRunner{Metrics: external.StaticMetrics{}},
	}
	exec := core.NewExecutor(runtime, core.ExecutorConfig{
		DefaultStageTimeout: 5 * time.Minute,
		Backoff:             "fixed",
		BackoffBase:         time.Second,
	}, logging.Component(log, "runner"))
	exec.Logs = storage.NewLogStore(*logDir)

	job := core.Job{
		ID:         uuid.NewString(),
		Definition: *def,
		State:      core.StateRunning,
		CreatedAt:  time.Now().UTC(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome := exec.Execute(ctx, job, func(res core.StageResult) {
		fmt.Printf("==> %-20s %-10s attempts=%d\n", res.Stage, res.Status, res.Attempts)
		if res.Output != "" {
			fmt.Print(res.Output)
		}
	})

	fmt.Printf("\nresult: %s", outcome.State)
	if outcome.Reason != core.ReasonNone {
		fmt.Printf(" (%s, stage %q)", outcome.Reason, outcome.TerminalStage)
	}
	fmt.Println()
	if outcome.State != core.StateSucceeded {
		os.Exit(1)
	}
}
