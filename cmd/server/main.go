package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"forgeci/internal/audit"
	"forgeci/internal/config"
	"forgeci/internal/core"
	"forgeci/internal/external"
	"forgeci/internal/logging"
	"forgeci/internal/server"
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

	if err := os.MkdirAll(filepath.Dir(cfg.Audit.PublicKeyPath), 0o700); err != nil {
		log.WithError(err).Fatal("cannot create key directory")
	}
	pub, priv, generated, err := audit.EnsureKeyPair(cfg.Audit.PublicKeyPath, cfg.Audit.PrivateKeyPath)
	if err != nil {
		log.WithError(err).Fatal("cannot initialize journal keys")
	}
	if generated {
		log.Info("generated new journal signing keys")
	} else {
		log.Info("loaded existing journal signing keys")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Audit.JournalPath), 0o755); err != nil {
		log.WithError(err).Fatal("cannot create journal directory")
	}
	journal, err := audit.Open(cfg.Audit.JournalPath)
	if err != nil {
		log.WithError(err).Fatal("cannot open audit journal")
	}

	archive, err := storage.OpenArchive(cfg.Storage.ArchivePath)
	if err != nil {
		log.WithError(err).Fatal("cannot open job archive")
	}
	defer archive.Close()

	var notifier external.Notifier
	if cfg.External.NotifyURL != "" {
		notifier = external.NewHTTPNotifier(cfg.External.NotifyURL, logging.Component(log, "notify"))
	}

	locks := core.NewLockTable()
	queue := core.NewQueue(locks)
	pool := core.NewPool(cfg.Scheduler.HeartbeatTimeout)
	boxes := server.NewMailboxes()

	srv := server.New(logging.Component(log, "server"), queue, pool, boxes,
		archive, journal, notifier, pub, priv)

	sched := core.NewScheduler(queue, pool, boxes, core.SchedulerConfig{
		Interval:            cfg.Scheduler.Interval,
		MaxDispatchAttempts: cfg.Scheduler.MaxDispatchAttempts,
		RequeueOnAgentLost:  cfg.Scheduler.RequeueOnAgentLost,
	}, logging.Component(log, "scheduler"))
	sched.OnResult = srv.RecordResult

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sched.Run(ctx)

	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", cfg.Server.Addr).Info("forgeci control plane listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server exited")
	}
}
