// Package risk implements composite risk synthesis: base classifier score
// plus evidence and biometric adjustments, clamped and mapped to a status.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/textgen"
)

// Adjustment reason labels.
const (
	ReasonInauthentic   = "Verification failed"
	ReasonLowFaceMatch  = "Low face match"
	ReasonLivenessCode  = "Liveness or code validation failed"
	ReasonAmountAnomaly = "Amount anomaly"
	ReasonVelocitySpike = "Velocity spike"
	ReasonNewDevice     = "New device"
)

// GenericReviewReasoning is the explanation attached when reasoning
// generation fails and the verdict falls back to manual review.
const GenericReviewReasoning = "Automated reasoning unavailable. Manual review required."

// Synthesizer combines the pipeline's findings into a RiskAssessment.
type Synthesizer struct {
	policy    domain.RiskPolicy
	threshold float64 // minimum face-match similarity
	gen       domain.TextGenerator
	logger    *slog.Logger
}

// NewSynthesizer creates a synthesizer. gen may be nil to skip reasoning
// generation entirely (the deterministic summary is used instead).
func NewSynthesizer(policy domain.RiskPolicy, faceMatchThreshold float64, gen domain.TextGenerator, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		policy:    policy,
		threshold: faceMatchThreshold,
		gen:       gen,
		logger:    logger,
	}
}

// Input carries the findings to synthesize. Verification is nil when no
// step-up verification ran.
type Input struct {
	Transaction  *domain.Transaction
	BaseScore    int
	Evidence     *domain.EvidencePackage
	Verification *domain.VerificationResult
	Errors       []domain.AgentError
}

// Synthesize computes the composite score, status and reasoning. It never
// returns an error: reasoning failures degrade to a REVIEW verdict instead.
func (s *Synthesizer) Synthesize(ctx context.Context, in *Input) *domain.RiskAssessment {
	adjustments := s.adjustments(in)

	score := in.BaseScore
	for _, adj := range adjustments {
		score += adj.Delta
	}
	score = clamp(score)

	status, confidence := s.statusFor(score)

	a := &domain.RiskAssessment{
		ID:          uuid.New().String(),
		TenantID:    in.Transaction.TenantID,
		TxID:        in.Transaction.ID,
		BaseScore:   in.BaseScore,
		Adjustments: adjustments,
		Score:       score,
		Status:      status,
		Confidence:  confidence,
		Errors:      in.Errors,
		CreatedAt:   time.Now().UTC(),
	}

	a.Reasoning = s.reason(ctx, in, a)
	return a
}

// adjustments evaluates every condition of the policy table independently.
func (s *Synthesizer) adjustments(in *Input) []domain.Adjustment {
	var adjustments []domain.Adjustment
	add := func(reason string, delta int) {
		adjustments = append(adjustments, domain.Adjustment{Reason: reason, Delta: delta})
	}

	if v := in.Verification; v != nil {
		if !v.Authentic {
			add(ReasonInauthentic, s.policy.InauthenticDelta)
		}
		if !v.FaceMatch.Passed || v.Similarity < s.threshold {
			add(ReasonLowFaceMatch, s.policy.FaceMatchDelta)
		}
		if !v.Liveness.Passed || !v.CodeValidated {
			add(ReasonLivenessCode, s.policy.LivenessDelta)
		}
	}

	if e := in.Evidence; e != nil && e.Err == nil {
		if e.HasPattern(domain.PatternAmountAnomaly) {
			add(ReasonAmountAnomaly, s.policy.AmountAnomalyDelta)
		}
		if e.HasPattern(domain.PatternVelocitySpike) {
			add(ReasonVelocitySpike, s.policy.VelocityDelta)
		}
		if e.HasPattern(domain.PatternNewDevice) {
			add(ReasonNewDevice, s.policy.NewDeviceDelta)
		}
	}

	return adjustments
}

func (s *Synthesizer) statusFor(score int) (domain.Status, string) {
	switch {
	case score >= s.policy.BlockThreshold:
		return domain.StatusBlocked, domain.ConfidenceVeryHigh
	case score >= s.policy.ReviewHighThreshold:
		return domain.StatusReview, domain.ConfidenceHigh
	case score >= s.policy.ReviewMediumThreshold:
		return domain.StatusReview, domain.ConfidenceMedium
	default:
		return domain.StatusApproved, domain.ConfidenceLowRisk
	}
}

// reason generates the free-text explanation. A generation or parse failure
// downgrades the verdict to REVIEW with a generic explanation; the computed
// score is kept.
func (s *Synthesizer) reason(ctx context.Context, in *Input, a *domain.RiskAssessment) string {
	if s.gen == nil {
		return deterministicReasoning(in, a)
	}

	out, err := s.gen.Generate(ctx, reasoningPrompt(in, a), domain.GenerateOptions{MaxTokens: 500, Temperature: 0.3})
	if err != nil {
		s.logger.Warn("reasoning generation failed", "tx_id", in.Transaction.ID, "error", err)
		s.degrade(a)
		return GenericReviewReasoning
	}

	var payload struct {
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &payload); err != nil || payload.Reasoning == "" {
		s.logger.Warn("unparseable reasoning output, falling back to review", "tx_id", in.Transaction.ID)
		s.degrade(a)
		return GenericReviewReasoning
	}
	return payload.Reasoning
}

// degrade forces a manual-review verdict after a reasoning failure. BLOCKED
// stays BLOCKED; an automated approval without reasoning is not allowed.
func (s *Synthesizer) degrade(a *domain.RiskAssessment) {
	if a.Status != domain.StatusBlocked {
		a.Status = domain.StatusReview
	}
	a.Confidence = domain.ConfidenceUnknown
}

func reasoningPrompt(in *Input, a *domain.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a senior fraud analyst making a final decision. Synthesize these findings.\n\n")
	fmt.Fprintf(&b, "Transaction: $%.2f %s at %s\n", in.Transaction.Amount, in.Transaction.Type, in.Transaction.MerchantCategory)
	fmt.Fprintf(&b, "Base risk score: %d/100\n\n", in.BaseScore)

	if v := in.Verification; v != nil {
		fmt.Fprintf(&b, "Biometric verification:\n- Authentic: %t\n- Face match similarity: %.0f%%\n", v.Authentic, v.Similarity)
		fmt.Fprintf(&b, "Risk Factors: %s\n\n", joinOrNone(v.RiskFactors))
	}

	if e := in.Evidence; e != nil && e.Err == nil {
		descriptions := make([]string, len(e.Patterns))
		for i, p := range e.Patterns {
			descriptions[i] = p.Description
		}
		fmt.Fprintf(&b, "Patterns: %s\n", joinOrNone(descriptions))
		fmt.Fprintf(&b, "Summary: %s\n\n", e.Summary)
	}

	if len(a.Adjustments) > 0 {
		b.WriteString("Risk Adjustments Applied:\n")
		for _, adj := range a.Adjustments {
			fmt.Fprintf(&b, "- %s: +%d\n", adj.Reason, adj.Delta)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Composite Risk Score: %d/100\n", a.Score)
	fmt.Fprintf(&b, "Recommended Status: %s\n\n", a.Status)
	fmt.Fprintf(&b, "Provide a 3-4 sentence executive summary explaining why this transaction should be %s. Connect the findings logically.\n", a.Status)
	b.WriteString(textgen.JSONDirective)
	return b.String()
}

func deterministicReasoning(in *Input, a *domain.RiskAssessment) string {
	reasons := make([]string, len(a.Adjustments))
	for i, adj := range a.Adjustments {
		reasons[i] = fmt.Sprintf("%s (+%d)", adj.Reason, adj.Delta)
	}
	return fmt.Sprintf("Base score %d with adjustments %s gives composite %d: %s.",
		a.BaseScore, joinOrNone(reasons), a.Score, a.Status)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

// extractJSON trims any leading or trailing prose around a JSON object.
// Models frequently wrap the object in code fences or commentary.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
