package escalate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// BusAlerter delivers fraud alerts by publishing them on the event bus,
// where downstream consumers (notification workers, SIEM forwarders) pick
// them up.
type BusAlerter struct {
	bus domain.EventBus
}

// NewBusAlerter creates an alerter backed by the event bus.
func NewBusAlerter(bus domain.EventBus) *BusAlerter {
	return &BusAlerter{bus: bus}
}

type alertPayload struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Send publishes the alert and returns the alert ID as the delivery
// reference.
func (a *BusAlerter) Send(ctx context.Context, tenantID, subject, message string) (string, error) {
	payload := alertPayload{
		ID:        uuid.New().String(),
		Subject:   subject,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding alert: %w", err)
	}

	if err := a.bus.Publish(ctx, tenantID, domain.TopicAlert, data); err != nil {
		return "", fmt.Errorf("publishing alert: %w", err)
	}
	return payload.ID, nil
}

// LogAlerter writes alerts to the structured log. Used when no bus is
// configured, so escalations still leave an operator-visible trace.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a log-backed alerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// Send logs the alert and returns a delivery reference.
func (a *LogAlerter) Send(ctx context.Context, tenantID, subject, message string) (string, error) {
	id := uuid.New().String()
	a.logger.Warn("fraud alert",
		"tenant_id", tenantID,
		"alert_id", id,
		"subject", subject,
		"message", message,
	)
	return id, nil
}
