// Package worker provides async transaction processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/pipeline"
	"github.com/opensource-finance/fraudguard/internal/velocity"
)

// Worker consumes submission requests from the event bus and runs them
// through the fraud pipeline. Decisions and alerts are published by the
// pipeline itself; the worker only drives intake and velocity accounting.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	velocity *velocity.Service
	logger   *slog.Logger

	velocityWindow    time.Duration
	velocityThreshold int64

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// VelocityWindow is the rolling window for live velocity counters.
	VelocityWindow time.Duration

	// VelocityThreshold is the per-window submission count above which the
	// worker raises a velocity warning.
	VelocityThreshold int64
}

// NewWorker creates a new async worker. velocity may be nil.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline, vel *velocity.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		velocity: vel,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing submissions for the given tenants.
func (w *Worker) Start(cfg Config) error {
	w.velocityWindow = cfg.VelocityWindow
	if w.velocityWindow == 0 {
		w.velocityWindow = 24 * time.Hour
	}
	w.velocityThreshold = cfg.VelocityThreshold
	if w.velocityThreshold == 0 {
		w.velocityThreshold = 10
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngest, func(ctx context.Context, msg *domain.Message) error {
		return w.processSubmission(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngest,
	)

	return nil
}

// processSubmission runs one submission request through the pipeline.
func (w *Worker) processSubmission(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse submission request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if msg.TenantID != "" {
		tenantID = msg.TenantID
	}

	result, err := w.pipeline.Submit(ctx, tenantID, &req)
	if err != nil {
		w.logger.Error("async submission rejected",
			"message_id", msg.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	if w.velocity != nil {
		if count, err := w.velocity.Record(ctx, tenantID, req.UserID, w.velocityWindow); err != nil {
			w.logger.Warn("velocity counter update failed",
				"user_id", req.UserID,
				"error", err,
			)
		} else if count > w.velocityThreshold {
			// Live counters drift near window boundaries. Confirm against
			// the exact stored count before raising the warning.
			exact, err := w.velocity.Count(ctx, tenantID, req.UserID, w.velocityWindow)
			switch {
			case err != nil:
				w.logger.Warn("velocity threshold exceeded, exact count unavailable",
					"user_id", req.UserID,
					"live_count", count,
					"error", err,
				)
			case exact > w.velocityThreshold:
				w.logger.Warn("velocity threshold exceeded",
					"user_id", req.UserID,
					"live_count", count,
					"stored_count", exact,
				)
			default:
				w.logger.Debug("velocity spike not confirmed by storage",
					"user_id", req.UserID,
					"live_count", count,
					"stored_count", exact,
				)
			}
		} else {
			w.logger.Debug("velocity recorded",
				"user_id", req.UserID,
				"window_count", count,
			)
		}
	}

	w.logger.Info("async submission processed",
		"tx_id", result.TxID,
		"tenant_id", tenantID,
		"status", result.Status,
		"score", result.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
