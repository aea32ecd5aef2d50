// FraudGuard - Multi-stage transaction fraud risk pipeline.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/fraudguard/internal/api"
	"github.com/opensource-finance/fraudguard/internal/bus"
	"github.com/opensource-finance/fraudguard/internal/cache"
	"github.com/opensource-finance/fraudguard/internal/classifier"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/escalate"
	"github.com/opensource-finance/fraudguard/internal/pipeline"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/textgen"
	"github.com/opensource-finance/fraudguard/internal/velocity"
	"github.com/opensource-finance/fraudguard/internal/verify"
	"github.com/opensource-finance/fraudguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("FRAUDGUARD_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting fraudguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("FRAUDGUARD_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"classifier", cfg.Collaborators.ClassifierMode,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Build collaborators per tier configuration
	cls := buildClassifier(cfg.Collaborators)
	gen := buildTextGen(cfg.Collaborators)

	var verifier domain.BiometricVerifier
	if cfg.Collaborators.VerifierURL != "" {
		verifier = verify.NewHTTPVerifier(cfg.Collaborators.VerifierURL, cfg.Collaborators.Timeout)
		slog.Info("biometric verifier initialized", "url", cfg.Collaborators.VerifierURL)
	} else {
		slog.Warn("no biometric verifier configured, identity checks are skipped on step-up")
	}

	var alerter domain.Alerter
	if cfg.EventBus.Type == "nats" {
		alerter = escalate.NewBusAlerter(busImpl)
	} else {
		alerter = escalate.NewLogAlerter(logger)
	}

	// Initialize Pipeline
	p, err := pipeline.New(pipeline.Options{
		Config:     cfg,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Classifier: cls,
		Verifier:   verifier,
		TextGen:    gen,
		Alerter:    alerter,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	slog.Info("pipeline initialized")

	// Initialize Velocity Service
	velocitySvc := velocity.NewService(repo, cacheImpl)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("FRAUDGUARD_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, p, velocitySvc, logger)

		tenantIDs := []string{}
		if envTenants := os.Getenv("FRAUDGUARD_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:         tenantIDs,
			VelocityWindow:    cfg.Evidence.VelocityWindow,
			VelocityThreshold: int64(cfg.Evidence.VelocityThreshold),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, p, repo, cacheImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("fraudguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("fraudguard shutdown complete")
}

// applyEnvOverrides lets deployment environments point collaborators at
// their own endpoints without a config file.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("FRAUDGUARD_CLASSIFIER_URL"); v != "" {
		cfg.Collaborators.ClassifierMode = "http"
		cfg.Collaborators.ClassifierURL = v
	}
	if v := os.Getenv("FRAUDGUARD_VERIFIER_URL"); v != "" {
		cfg.Collaborators.VerifierURL = v
	}
	if v := os.Getenv("FRAUDGUARD_TEXTGEN_URL"); v != "" {
		cfg.Collaborators.TextGenMode = "http"
		cfg.Collaborators.TextGenURL = v
	}
	if v := os.Getenv("FRAUDGUARD_SQLITE_PATH"); v != "" && cfg.Repository.Driver == "sqlite" {
		cfg.Repository.SQLitePath = v
	}
}

// buildClassifier produces the fraud probability scorer. Remote inference
// always carries the heuristic as a fallback so a model outage degrades
// rather than fails submissions.
func buildClassifier(cc domain.CollaboratorConfig) domain.Classifier {
	heuristic := classifier.NewHeuristic()
	if cc.ClassifierMode != "http" || cc.ClassifierURL == "" {
		return heuristic
	}
	return &classifier.WithFallback{
		Primary:  classifier.NewHTTPClassifier(cc.ClassifierURL, cc.Timeout),
		Fallback: heuristic,
		OnError: func(err error) {
			slog.Warn("remote classifier failed, using heuristic", "error", err)
		},
	}
}

func buildTextGen(cc domain.CollaboratorConfig) domain.TextGenerator {
	if cc.TextGenMode == "http" && cc.TextGenURL != "" {
		return textgen.NewHTTPGenerator(cc.TextGenURL, cc.Timeout)
	}
	return textgen.NewTemplate()
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              🛡  FRAUDGUARD                ║")
	fmt.Println("  ║       Transaction Risk Pipeline           ║")
	fmt.Println("  ║    Every payment earns its approval.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions              - Submit a transaction for assessment")
	fmt.Println("    POST /transactions/{id}/verify  - Complete a step-up verification")
	fmt.Println("    GET  /transactions/{id}         - Get transaction by ID")
	fmt.Println("    GET  /assessments/{id}          - Get risk assessment by ID")
	fmt.Println("    GET  /cases/{id}                - Get fraud case by ID")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
