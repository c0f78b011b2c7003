package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/onexay/devpulse/internal/config"
	"github.com/onexay/devpulse/internal/delivery"
	"github.com/onexay/devpulse/internal/httpserver"
	"github.com/onexay/devpulse/internal/jobs"
	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/logging"
	"github.com/onexay/devpulse/internal/report"
	"github.com/onexay/devpulse/internal/resolve"
	"github.com/onexay/devpulse/internal/schedule"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/summarize"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorw("server terminated", "error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	kv, err := openKV(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer kv.Close()

	boltArchive, err := storage.NewBoltArchive(cfg.Retention.ArchivePath)
	if err != nil {
		return fmt.Errorf("open report archive: %w", err)
	}
	defer boltArchive.Close()
	archive := report.NewArchive(boltArchive)

	loc, err := cfg.Report.Location()
	if err != nil {
		return err
	}
	l := ledger.New(kv, ledger.Options{Location: loc, Retention: cfg.Retention.Ledger()})
	resolver := resolve.New(l, resolve.Options{DefaultBranch: cfg.Report.DefaultBranch, Logger: logger})

	summarizer, err := newSummarizer(cfg.Summarizer, logger)
	if err != nil {
		return err
	}
	sink, err := newSink(cfg.Delivery, logger)
	if err != nil {
		return err
	}

	queue := jobs.NewQueue(kv, nil)
	dispatcher := jobs.NewDispatcher()
	jobs.NewIngest(l, summarizer, logger, jobs.IngestOptions{
		MaxClockSkew:   cfg.Ingest.MaxClockSkew,
		LabelBlocklist: cfg.Report.LabelBlocklist,
	}).Register(dispatcher)
	jobs.NewCleanup(l, archive, cfg.Retention.Archive, logger).Register(dispatcher)
	reports := jobs.NewReportProcessor(l, resolver, summarizer, sink, archive, logger, jobs.ReportOptions{
		Thresholds:       cfg.Report.Thresholds,
		StaleReviewDays:  cfg.Report.StaleReviewDays,
		DirectCommitsMax: cfg.Report.DirectCommitsMax,
	})
	reports.Register(dispatcher)

	runner := jobs.NewRunner(queue, dispatcher, logger, jobs.RunnerOptions{
		IngestWorkers:  cfg.Workers.DigestConcurrency,
		MaxAttempts:    cfg.Workers.MaxAttempts,
		InitialBackoff: cfg.Workers.InitialBackoff,
		MaxBackoff:     cfg.Workers.MaxBackoff,
		PollTimeout:    cfg.Workers.PollTimeout,
	})

	scheduler, err := schedule.New(schedule.Config{
		Daily:    cfg.Schedule.Daily,
		Weekly:   cfg.Schedule.Weekly,
		Cleanup:  cfg.Schedule.Cleanup,
		Location: loc,
	}, queue, logger)
	if err != nil {
		return err
	}

	srv := httpserver.NewServer(cfg.Server, httpserver.Deps{
		Queue:     queue,
		Reports:   reports,
		Archive:   archive,
		Schedules: scheduler,
		Logger:    logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(srv.Run)
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infow("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Infow("devpulse started",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Backend,
		"workers", cfg.Workers.DigestConcurrency,
		"timezone", loc.String(),
	)
	return g.Wait()
}

func openKV(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Backend {
	case config.StorageBackendKeyDB:
		return storage.NewKeyDBKV(cfg.KeyDB)
	default:
		return storage.NewMemoryKV(storage.Options{}), nil
	}
}

func newSummarizer(cfg config.SummarizerConfig, logger *zap.SugaredLogger) (summarize.Service, error) {
	if cfg.URL == "" {
		logger.Infow("summarizer url not set, using heuristic summarizer")
		return summarize.NewHeuristic(), nil
	}
	return summarize.NewHTTPClient(summarize.HTTPConfig{
		BaseURL: cfg.URL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	}, nil, logger)
}

func newSink(cfg config.DeliveryConfig, logger *zap.SugaredLogger) (delivery.Sink, error) {
	if cfg.WebhookURL == "" {
		logger.Infow("delivery webhook not set, reports will be logged")
		return delivery.NewLogSink(logger), nil
	}
	return delivery.NewWebhookSink(cfg.WebhookURL, cfg.Timeout, nil, logger)
}

