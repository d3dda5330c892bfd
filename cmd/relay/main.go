package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/health"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/kaipoke"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/ledger"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/mailbox"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/recognize"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/worker"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("timesheet-relay version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting timesheet relay")

	// Durable idempotency ledger
	seen, err := ledger.Open(cfg.LedgerPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open ledger")
	}
	defer seen.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mailbox supervisor
	mb := mailbox.NewClient(cfg.Mailbox, seen, logger)
	defer mb.Close()

	// Recognition and extraction facades
	recognizer := recognize.NewRecognizer(cfg.Vision, logger)
	extractor := recognize.NewExtractor(cfg.Extract, logger)

	// Browser-driven submission engine
	driver, err := kaipoke.NewChromeDriver(ctx, cfg.Kaipoke, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start browser")
	}
	engine := kaipoke.NewEngine(driver, logger)
	defer engine.Close()

	stats := health.NewStats()

	orchestrator := worker.New(cfg, mb, recognizer, extractor, engine, seen, stats, logger)
	if notifier := mailbox.NewNotifier(cfg.Notify, logger); notifier != nil {
		orchestrator.SetNotifier(notifier)
	}

	// Optional liveness surface
	if cfg.StatusAddr != "" {
		statusServer := health.NewServer(cfg.StatusAddr, stats, seen.SeenCount, logger)
		statusServer.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			statusServer.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- orchestrator.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Worker stopped with error")
		}
		cancel()
	}

	logger.Info("Shutting down timesheet relay")
}
