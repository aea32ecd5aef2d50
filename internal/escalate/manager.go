// Package escalate opens fraud cases for high-risk transactions: case ID
// generation, report generation, evidence bundle persistence, case record
// creation and alerting.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/repository"
)

// Manager performs escalations. Case creation takes priority over alerting:
// an alert failure never rolls back a created case.
type Manager struct {
	repo    domain.Repository
	gen     domain.TextGenerator
	alerter domain.Alerter
	cfg     domain.EscalationConfig
	logger  *slog.Logger

	// Swappable in tests.
	now     func() time.Time
	randInt func(n int) int
}

// NewManager creates an escalation manager. gen and alerter may be nil.
func NewManager(repo domain.Repository, gen domain.TextGenerator, alerter domain.Alerter, cfg domain.EscalationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:    repo,
		gen:     gen,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		randInt: rand.Intn,
	}
}

// Escalate creates the fraud case for an assessed transaction. Re-escalating
// a transaction that already has a case returns the existing case.
func (m *Manager) Escalate(ctx context.Context, tx *domain.Transaction, assessment *domain.RiskAssessment, evidence *domain.EvidencePackage) (*domain.FraudCase, error) {
	if existing, err := m.repo.GetCaseByTransaction(ctx, tx.TenantID, tx.ID); err == nil {
		assessment.CaseID = existing.CaseID
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("checking for existing case: %w", err)
	}

	caseID, err := m.generateCaseID(ctx, tx.TenantID)
	if err != nil {
		return nil, err
	}

	report := m.report(ctx, caseID, tx, assessment, evidence)

	ref, err := m.saveBundle(ctx, caseID, tx, assessment, evidence, report)
	if err != nil {
		return nil, err
	}

	fraudCase := &domain.FraudCase{
		CaseID:      caseID,
		TenantID:    tx.TenantID,
		TxID:        tx.ID,
		UserID:      tx.UserID,
		RiskScore:   assessment.Score,
		Status:      assessment.Status,
		Amount:      tx.Amount,
		Report:      report,
		EvidenceRef: ref,
		CreatedAt:   m.now().UTC(),
	}

	if err := m.repo.CreateCase(ctx, tx.TenantID, fraudCase); err != nil {
		if errors.Is(err, repository.ErrDuplicateCase) {
			// Lost the race to a concurrent request for the same transaction.
			existing, getErr := m.repo.GetCaseByTransaction(ctx, tx.TenantID, tx.ID)
			if getErr != nil {
				return nil, fmt.Errorf("fetching winning case record: %w", getErr)
			}
			assessment.CaseID = existing.CaseID
			return existing, nil
		}
		return nil, fmt.Errorf("creating fraud case: %w", err)
	}

	assessment.CaseID = caseID
	m.alert(ctx, fraudCase)

	return fraudCase, nil
}

// generateCaseID produces a date-stamped identifier with a random numeric
// suffix and verifies it is unused. Collision probability after the retry
// budget is negligible, not provably zero.
func (m *Manager) generateCaseID(ctx context.Context, tenantID string) (string, error) {
	date := m.now().UTC().Format("20060102")
	for attempt := 0; attempt < m.cfg.MaxIDRetries; attempt++ {
		id := fmt.Sprintf("%s-%s-%04d", m.cfg.CasePrefix, date, 1000+m.randInt(9000))
		exists, err := m.repo.CaseIDExists(ctx, tenantID, id)
		if err != nil {
			return "", fmt.Errorf("checking case id uniqueness: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique case id after %d attempts", m.cfg.MaxIDRetries)
}

// report renders the investigator-facing case report, degrading to a
// deterministic rendering when generation fails.
func (m *Manager) report(ctx context.Context, caseID string, tx *domain.Transaction, assessment *domain.RiskAssessment, evidence *domain.EvidencePackage) string {
	fallback := deterministicReport(caseID, tx, assessment, evidence)
	if m.gen == nil {
		return fallback
	}

	report, err := m.gen.Generate(ctx, reportPrompt(caseID, tx, assessment, evidence), domain.GenerateOptions{MaxTokens: 800})
	if err != nil || strings.TrimSpace(report) == "" {
		m.logger.Warn("case report generation failed, using deterministic report",
			"case_id", caseID, "error", err)
		return fallback
	}
	return report
}

// evidenceBundle is the durable record persisted per case.
type evidenceBundle struct {
	CaseID      string                  `json:"caseId"`
	TxID        string                  `json:"txId"`
	Timestamp   time.Time               `json:"timestamp"`
	Transaction *domain.Transaction     `json:"transaction"`
	Assessment  *domain.RiskAssessment  `json:"assessment"`
	Evidence    *domain.EvidencePackage `json:"evidence,omitempty"`
	Report      string                  `json:"report"`
}

func (m *Manager) saveBundle(ctx context.Context, caseID string, tx *domain.Transaction, assessment *domain.RiskAssessment, evidence *domain.EvidencePackage, report string) (string, error) {
	bundle, err := json.Marshal(evidenceBundle{
		CaseID:      caseID,
		TxID:        tx.ID,
		Timestamp:   m.now().UTC(),
		Transaction: tx,
		Assessment:  assessment,
		Evidence:    evidence,
		Report:      report,
	})
	if err != nil {
		return "", fmt.Errorf("encoding evidence bundle: %w", err)
	}

	ref, err := m.repo.SaveEvidenceBundle(ctx, tx.TenantID, caseID, bundle)
	if err != nil {
		return "", fmt.Errorf("saving evidence bundle: %w", err)
	}
	return ref, nil
}

func (m *Manager) alert(ctx context.Context, fraudCase *domain.FraudCase) {
	if m.alerter == nil {
		return
	}

	subject := fmt.Sprintf("Fraud Alert: %s", fraudCase.CaseID)
	message := fmt.Sprintf("FRAUD ALERT: %s\n\nRisk Score: %d/100 - %s\nTransaction: %s\nAmount: $%.2f\n\n%s\n\nFull report: %s\n",
		fraudCase.CaseID, fraudCase.RiskScore, fraudCase.Status, fraudCase.TxID,
		fraudCase.Amount, truncate(fraudCase.Report, 500), fraudCase.EvidenceRef)

	if ref, err := m.alerter.Send(ctx, fraudCase.TenantID, subject, message); err != nil {
		m.logger.Error("fraud alert delivery failed, case record stands",
			"case_id", fraudCase.CaseID, "error", err)
	} else {
		m.logger.Info("fraud alert sent", "case_id", fraudCase.CaseID, "delivery_ref", ref)
	}
}

func reportPrompt(caseID string, tx *domain.Transaction, assessment *domain.RiskAssessment, evidence *domain.EvidencePackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate a formal fraud case report for investigators.\n\n")
	fmt.Fprintf(&b, "CASE: %s\nTRANSACTION: %s\nRISK SCORE: %d/100 - %s\n\n", caseID, tx.ID, assessment.Score, assessment.Status)
	fmt.Fprintf(&b, "Transaction Details:\n- Amount: $%.2f\n- Type: %s\n- Merchant: %s\n- User: %s\n- Device: %s\n- Location: %s\n\n",
		tx.Amount, tx.Type, tx.MerchantCategory, tx.UserID, tx.DeviceType, tx.Location)
	fmt.Fprintf(&b, "Risk Assessment:\n%s\n\n", assessment.Reasoning)
	if evidence != nil && evidence.Err == nil {
		fmt.Fprintf(&b, "Evidence Summary:\n%s\n\nDetected Patterns:\n", evidence.Summary)
		if len(evidence.Patterns) == 0 {
			b.WriteString("- None\n")
		}
		for _, p := range evidence.Patterns {
			fmt.Fprintf(&b, "- %s\n", p.Description)
		}
	}
	b.WriteString("\nFormat as a professional fraud alert with:\n1. Executive summary (2-3 sentences)\n2. Key risk indicators\n3. Recommended actions")
	return b.String()
}

func deterministicReport(caseID string, tx *domain.Transaction, assessment *domain.RiskAssessment, evidence *domain.EvidencePackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FRAUD CASE %s\nTransaction %s by user %s for $%.2f scored %d/100 (%s).\n",
		caseID, tx.ID, tx.UserID, tx.Amount, assessment.Score, assessment.Status)
	if evidence != nil && evidence.Err == nil && len(evidence.Patterns) > 0 {
		b.WriteString("Detected patterns:\n")
		for _, p := range evidence.Patterns {
			fmt.Fprintf(&b, "- %s\n", p.Description)
		}
	}
	b.WriteString("Recommended action: manual investigation.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
