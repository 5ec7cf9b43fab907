// Command kvs-server is the server binary (spec §6): it takes four
// positional arguments (jobs directory, max worker threads, max
// concurrent backups, registration endpoint path), runs every *.job
// file in the jobs directory through the dispatcher, then keeps
// serving client connections over the named-pipe protocol until
// terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/francosantos/kvsd/internal/config"
	"github.com/francosantos/kvsd/internal/dispatcher"
	"github.com/francosantos/kvsd/internal/jobexec"
	"github.com/francosantos/kvsd/internal/kvs"
	"github.com/francosantos/kvsd/internal/logging"
	"github.com/francosantos/kvsd/internal/metrics"
	"github.com/francosantos/kvsd/internal/platform"
	"github.com/francosantos/kvsd/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kvs-server:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 5 {
		return fmt.Errorf("usage: kvs-server <jobs_dir> <max_threads> <max_backups> <registration_endpoint>")
	}
	jobsDir := os.Args[1]
	maxThreads, err := strconv.Atoi(os.Args[2])
	if err != nil || maxThreads < 1 {
		return fmt.Errorf("max_threads must be a positive integer, got %q", os.Args[2])
	}
	maxBackups, err := strconv.Atoi(os.Args[3])
	if err != nil || maxBackups < 1 {
		return fmt.Errorf("max_backups must be a positive integer, got %q", os.Args[3])
	}
	registrationPath := os.Args[4]

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "kvs-server",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsSrv.Serve(); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	cpuMonitor := platform.NewCPUMonitor(time.Duration(cfg.CPUSampleInterval)*time.Millisecond, log)
	go cpuMonitor.Start(ctx)

	pool := dispatcher.NewWorkerPool(cfg.ManagingThreads, cfg.ManagingThreads*4, log)
	pool.Start(ctx)
	defer pool.Stop()

	reg := session.NewRegistry(log)
	store := kvs.New(log, maxBackups, reg, pool)
	store.SetNotificationRateLimit(cfg.MaxNotificationsPerSec)
	if err := store.Init(); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	jobFiles, err := dispatcher.DiscoverJobs(jobsDir, filepath.Glob)
	if err != nil {
		return fmt.Errorf("discover jobs: %w", err)
	}
	log.Info().Int("jobs", len(jobFiles)).Str("dir", jobsDir).Msg("running job files")

	jobPool := dispatcher.NewJobPool(jobFiles)
	jobPool.Run(maxThreads, func(jobPath string) {
		if err := jobexec.Run(store, jobPath, jobsDir, log); err != nil {
			log.Error().Str("job", jobPath).Err(err).Msg("job execution failed")
		}
	})

	acceptor := session.NewAcceptor(session.Config{
		RegistrationPath: registrationPath,
		MaxClients:       cfg.ManagingThreads,
		QueueSize:        cfg.ManagingThreads * 2,
		CPURejectPercent: cfg.CPURejectThreshold,
	}, store, reg, cpuMonitor, log)

	acceptorDone := make(chan error, 1)
	go func() { acceptorDone <- acceptor.Run(ctx) }()

	go func() {
		for {
			select {
			case <-usr1:
				log.Info().Msg("SIGUSR1 received, disconnecting all clients")
				acceptor.DisconnectAll()
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("registration_endpoint", registrationPath).Msg("accepting client connections")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-acceptorDone:
		if err != nil {
			log.Error().Err(err).Msg("acceptor exited")
		}
	}

	acceptor.StopAccepting()
	if err := store.Terminate(); err != nil {
		log.Warn().Err(err).Msg("store terminate")
	}
	return nil
}
