package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinytelemetry/trafficmon/internal/analytics"
	"github.com/tinytelemetry/trafficmon/internal/archive"
	"github.com/tinytelemetry/trafficmon/internal/httpserver"
	"github.com/tinytelemetry/trafficmon/internal/logging"
	"github.com/tinytelemetry/trafficmon/internal/schedule"
	"github.com/tinytelemetry/trafficmon/internal/task"
	"golang.org/x/sync/errgroup"
)

// runService samples every region on the poll cadence and publishes
// complete cycles until SIGINT or SIGTERM.
func runService(cfg appConfig) error {
	logger, closeLog, err := logging.Setup(logging.Config{
		Level:    cfg.LogLevel,
		ErrorLog: cfg.ErrorLog,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	clock := clockwork.NewRealClock()

	pipe, err := newPipeline(cfg, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Error("service: closing region logs", "error", err)
		}
	}()

	publishTask, err := pipe.publishTask()
	if err != nil {
		return err
	}

	sched, err := schedule.New(schedule.Config{
		Runner:         pipe.runner,
		Clock:          clock,
		Location:       cfg.Location,
		SampleInterval: cfg.SampleInterval,
		GuardDelay:     cfg.GuardDelay,
		Logger:         logger.With("component", "scheduler"),
	})
	if err != nil {
		return err
	}

	if err := sched.Add(schedule.Cadence{
		Name:        "poll",
		Spec:        cfg.PollCron,
		Concurrency: cfg.MaxParallelPolls,
		Tasks:       pipe.pollTasks(),
	}); err != nil {
		return err
	}
	if err := sched.Add(schedule.Cadence{
		Name:        "publish",
		Spec:        cfg.PublishCron,
		Concurrency: 1,
		Tasks:       []task.Task{publishTask},
	}); err != nil {
		return err
	}

	// Bundle region logs on their own cadence when enabled.
	archiveManager, err := archive.NewManager(archive.Config{
		Enabled:        cfg.ArchiveEnabled,
		LocalDir:       cfg.ArchiveDir,
		KeepLast:       cfg.ArchiveKeepLast,
		BucketURL:      cfg.ArchiveBucketURL,
		S3Endpoint:     cfg.ArchiveS3Endpoint,
		S3Region:       cfg.ArchiveS3Region,
		S3AccessKey:    cfg.ArchiveS3AccessKey,
		S3SecretKey:    cfg.ArchiveS3SecretKey,
		S3SessionToken: cfg.ArchiveS3SessionToken,
	}, pipe.logPaths(), clock, logger.With("component", "archive"))
	if err != nil {
		return fmt.Errorf("failed to initialize archiving: %w", err)
	}
	if archiveManager != nil {
		if err := sched.Add(schedule.Cadence{
			Name:        "archive",
			Spec:        cfg.ArchiveCron,
			Concurrency: 1,
			Tasks: []task.Task{{
				Name:    "archive",
				Timeout: defaultArchiveTimeout,
				Run:     archiveManager.RunOnce,
			}},
		}); err != nil {
			return err
		}
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		store, err := analytics.NewStore(cfg.QueryTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize analytics: %w", err)
		}
		defer store.Close()

		apiServer := httpserver.NewServer(cfg.APIAddr, httpserver.Deps{
			Regions:  cfg.Regions,
			DataDir:  cfg.DataDir,
			Samples:  pipe.buffer,
			Tasks:    pipe.runner,
			Schedule: sched,
			Stats:    store,
			Clock:    clock,
			Location: cfg.Location,
		})
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Shutdown deadline starts now, not at boot.
		deadline := time.NewTimer(cfg.TaskTimeout + 10*time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	printStartupBanner(cfg, archiveManager != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Align(gctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return sched.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("service: scheduler exited with error", "error", err)
		return err
	}

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)
	logger.Info("service: stopped")
	return nil
}
