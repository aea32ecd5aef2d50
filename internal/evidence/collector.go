// Package evidence gathers a user's behavioral history for a transaction
// under investigation: baseline aggregation, an event timeline and
// order-stable pattern detection.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Collector builds evidence packages from the transaction store.
type Collector struct {
	repo   domain.Repository
	gen    domain.TextGenerator
	cfg    domain.EvidenceConfig
	logger *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewCollector creates an evidence collector. gen may be nil, in which case
// the deterministic summary is used directly.
func NewCollector(repo domain.Repository, gen domain.TextGenerator, cfg domain.EvidenceConfig, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		repo:   repo,
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Collect fetches the user's history and builds the evidence package for tx.
func (c *Collector) Collect(ctx context.Context, tx *domain.Transaction) (*domain.EvidencePackage, error) {
	history, err := c.repo.GetUserHistory(ctx, tx.TenantID, tx.UserID, c.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching user history: %w", err)
	}

	baseline := domain.BuildBaseline(tx.UserID, history)
	now := c.now().UTC()

	recent := c.recentWithin(history, now, c.cfg.VelocityWindow)
	recentCount := len(recent)

	// The history read is capped at HistoryLimit, so a busy user can have
	// in-window transactions the slice never saw. The repository count is
	// exact and wins when larger.
	if len(history) >= c.cfg.HistoryLimit {
		exact, err := c.repo.CountUserTransactionsSince(ctx, tx.TenantID, tx.UserID, now.Add(-c.cfg.VelocityWindow))
		if err != nil {
			c.logger.Warn("exact velocity count failed, using windowed history",
				"tx_id", tx.ID, "error", err)
		} else if int(exact) > recentCount {
			recentCount = int(exact)
		}
	}

	pkg := &domain.EvidencePackage{
		Baseline:       baseline,
		Timeline:       c.buildTimeline(tx, history, now),
		HistoryCount:   len(history),
		Recent24hCount: recentCount,
	}
	pkg.Patterns = c.detectPatterns(tx, baseline, recent, recentCount)
	pkg.Summary = c.summarize(ctx, tx, pkg)

	return pkg, nil
}

// buildTimeline takes the trailing history entries in chronological order and
// appends the synthetic current event. History arrives most-recent-first.
func (c *Collector) buildTimeline(tx *domain.Transaction, history []*domain.HistoryRecord, now time.Time) []domain.TimelineEvent {
	n := c.cfg.TimelineSize
	if n > len(history) {
		n = len(history)
	}

	timeline := make([]domain.TimelineEvent, 0, n+1)
	for i := n - 1; i >= 0; i-- {
		rec := history[i]
		ts, _ := parseTimestamp(rec.Timestamp)
		timeline = append(timeline, domain.TimelineEvent{
			Time:        ts,
			Description: fmt.Sprintf("$%.2f at %s (%s)", rec.Amount, orUnknown(rec.MerchantCategory), orUnknown(rec.Location)),
			Type:        rec.Type,
			FraudFlag:   rec.FraudFlag,
		})
	}

	timeline = append(timeline, domain.TimelineEvent{
		Time:        now,
		Description: fmt.Sprintf("CURRENT: $%.2f at %s (%s)", tx.Amount, orUnknown(tx.MerchantCategory), orUnknown(tx.Location)),
		Type:        tx.Type,
		FraudFlag:   0,
		Current:     true,
	})

	return timeline
}

// detectPatterns runs every check independently, appending in a fixed order.
// recentCount may exceed len(recent) when the exact repository count found
// transactions beyond the history cap.
func (c *Collector) detectPatterns(tx *domain.Transaction, baseline *domain.UserBaseline, recent []*domain.HistoryRecord, recentCount int) []domain.Pattern {
	patterns := []domain.Pattern{}

	if baseline.AvgAmount > 0 && tx.Amount > baseline.AvgAmount*c.cfg.AmountMultiplier {
		multiplier := int(tx.Amount / baseline.AvgAmount)
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternAmountAnomaly,
			Description: fmt.Sprintf("Amount %dx higher than user average ($%.2f)", multiplier, baseline.AvgAmount),
		})
	}

	if recentCount > c.cfg.VelocityThreshold {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternVelocitySpike,
			Description: fmt.Sprintf("High velocity: %d transactions in last 24 hours", recentCount),
		})
	}

	if baseline.TotalTransactions > 0 && !baseline.KnowsDevice(tx.DeviceType) {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternNewDevice,
			Description: fmt.Sprintf("New device detected: %s", tx.DeviceType),
		})
	}

	if baseline.TotalTransactions > 0 && tx.Location != "" && !baseline.KnowsLocation(tx.Location) {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternNewLocation,
			Description: fmt.Sprintf("New location: %s", tx.Location),
		})
	}

	if baseline.TotalTransactions > 0 && tx.MerchantCategory != "" && !baseline.KnowsMerchant(tx.MerchantCategory) {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternFirstTimeMerchant,
			Description: fmt.Sprintf("First transaction at %s", tx.MerchantCategory),
		})
	}

	if baseline.FraudIncidents > 0 {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternPriorFraud,
			Description: fmt.Sprintf("User has %d previous fraud flags", baseline.FraudIncidents),
		})
	}

	if rapidSuccession(recent, c.cfg.RapidWindow) {
		patterns = append(patterns, domain.Pattern{
			Code:        domain.PatternRapidSuccession,
			Description: "Multiple transactions within 1 hour",
		})
	}

	return patterns
}

// recentWithin filters history to records inside the window ending now.
// Records with missing or malformed timestamps are excluded, never an error.
func (c *Collector) recentWithin(history []*domain.HistoryRecord, now time.Time, window time.Duration) []*domain.HistoryRecord {
	var recent []*domain.HistoryRecord
	for _, rec := range history {
		ts, ok := parseTimestamp(rec.Timestamp)
		if !ok {
			continue
		}
		if now.Sub(ts) <= window {
			recent = append(recent, rec)
		}
	}
	return recent
}

// rapidSuccession reports whether the earliest-to-latest gap among the first
// three in-window records is under the rapid window.
func rapidSuccession(recent []*domain.HistoryRecord, window time.Duration) bool {
	if len(recent) < 3 {
		return false
	}
	var first, last time.Time
	seen := 0
	for _, rec := range recent {
		ts, ok := parseTimestamp(rec.Timestamp)
		if !ok {
			continue
		}
		if seen == 0 {
			first, last = ts, ts
		} else {
			if ts.Before(first) {
				first = ts
			}
			if ts.After(last) {
				last = ts
			}
		}
		seen++
		if seen == 3 {
			break
		}
	}
	return seen == 3 && last.Sub(first) < window
}

// summarize generates the behavioral summary, falling back to a
// deterministic rendering when no generator is configured or the call fails.
func (c *Collector) summarize(ctx context.Context, tx *domain.Transaction, pkg *domain.EvidencePackage) string {
	fallback := deterministicSummary(tx, pkg)
	if c.gen == nil {
		return fallback
	}

	prompt := fmt.Sprintf(`Summarize this fraud investigation evidence in 2-3 sentences.

User: %s
- Average transaction: $%.2f
- Total transactions: %d
- Last 24h: %d transactions

Current transaction: $%.2f

Patterns detected: %s

Focus on key risk indicators.`,
		tx.UserID, pkg.Baseline.AvgAmount, pkg.HistoryCount, pkg.Recent24hCount,
		tx.Amount, patternList(pkg.Patterns))

	summary, err := c.gen.Generate(ctx, prompt, domain.GenerateOptions{MaxTokens: 300})
	if err != nil {
		c.logger.Warn("evidence summary generation failed, using deterministic summary",
			"tx_id", tx.ID, "error", err)
		return fallback
	}
	return strings.TrimSpace(summary)
}

func deterministicSummary(tx *domain.Transaction, pkg *domain.EvidencePackage) string {
	return fmt.Sprintf("User %s: %d historical transactions (avg $%.2f), %d in the last 24h. Current transaction $%.2f. Patterns: %s.",
		tx.UserID, pkg.HistoryCount, pkg.Baseline.AvgAmount, pkg.Recent24hCount, tx.Amount, patternList(pkg.Patterns))
}

func patternList(patterns []domain.Pattern) string {
	if len(patterns) == 0 {
		return "None"
	}
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = p.Description
	}
	return strings.Join(parts, ", ")
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// parseTimestamp parses a stored timestamp leniently. RFC 3339 first, then a
// bare datetime without zone. A failed parse means "no usable timestamp".
func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
