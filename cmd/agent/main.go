package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"forgeci/internal/agent"
	"forgeci/internal/config"
	"forgeci/internal/core"
	"forgeci/internal/external"
	"forgeci/internal/logging"
	"forgeci/internal/storage"
)

func main() {
	confPath := flag.String("conf", "", "path to config file (default: ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	var secrets external.SecretSource
	if cfg.External.SecretsURL != "" {
		secrets = external.HTTPSecrets{Base: cfg.External.SecretsURL}
	} else {
		secrets = external.EnvSecrets{Prefix: cfg.External.SecretsEnvPrefix}
	}

	var metrics external.MetricsSource = external.StaticMetrics{}
	if cfg.External.MetricsURL != "" {
		metrics = external.HTTPMetrics{Base: cfg.External.MetricsURL}
	}

	runtime := &core.Runtime{
		Shell:      &core.ShellRunner{Workdir: cfg.Agent.Workdir, Secrets: secrets},
		Containers: &core.ContainerRunner{Engine: cfg.Agent.ContainerEngine, Workdir: cfg.Agent.Workdir, Secrets: secrets},
		Approvals:  &core.ApprovalRunner{Source: external.FileApprovals{Dir: cfg.External.ApprovalDir}},
		Gates:      &core.GateRunner{Metrics: metrics},
	}

	exec := core.NewExecutor(runtime, core.ExecutorConfig{
		DefaultStageTimeout: cfg.Executor.DefaultStageTimeout,
		Backoff:             cfg.Executor.Backoff,
		BackoffBase:         cfg.Executor.BackoffBase,
	}, logging.Component(log, "executor"))
	exec.Logs = storage.NewLogStore(cfg.Storage.LogDir)
	exec.Artifacts = &agent.Publisher{
		Store:   external.FileArtifacts{BaseDir: cfg.Storage.ArtifactDir},
		Workdir: cfg.Agent.Workdir,
	}

	client := agent.NewClient(cfg.Agent.ServerURL)
	worker := agent.New(cfg.Agent, client, exec, logging.Component(log, "agent"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("server", cfg.Agent.ServerURL).Info("forgeci agent starting")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("agent exited")
	}
}
