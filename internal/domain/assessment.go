package domain

import "time"

// Status is the disposition of a transaction.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusReview   Status = "REVIEW"
	StatusBlocked  Status = "BLOCKED"

	// StatusVerificationRequired is an API-level status for transactions
	// suspended awaiting step-up verification; it is never a terminal
	// pipeline state.
	StatusVerificationRequired Status = "VERIFICATION_REQUIRED"
)

// Confidence labels attached to a synthesized status.
const (
	ConfidenceVeryHigh = "very_high"
	ConfidenceHigh     = "high"
	ConfidenceMedium   = "medium"
	ConfidenceLowRisk  = "low_risk"
	ConfidenceUnknown  = "unknown"
)

// Adjustment is one (reason, delta) tuple applied to the base risk score.
type Adjustment struct {
	Reason string `json:"reason"`
	Delta  int    `json:"delta"`
}

// RiskAssessment is the composite result of the risk synthesis stage.
// Created once per transaction; CaseID is the only field mutated after
// creation, and only by the escalation manager.
type RiskAssessment struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	TxID     string `json:"txId"`

	// BaseScore is the classifier-derived score (probability * 100).
	BaseScore int `json:"baseScore"`

	// Adjustments are the discrete signal deltas applied, in order.
	Adjustments []Adjustment `json:"adjustments,omitempty"`

	// Score is the composite score, clamped to [0, 100].
	Score int `json:"score"`

	Status     Status `json:"status"`
	Confidence string `json:"confidence"`

	// Reasoning and Explanation are free-text collaborator output. Their
	// wording is non-deterministic and must never be parsed for control
	// flow; only Score and Status drive the state machine.
	Reasoning   string `json:"reasoning,omitempty"`
	Explanation string `json:"explanation,omitempty"`

	// CaseID is set by the escalation manager once a fraud case exists.
	CaseID string `json:"caseId,omitempty"`

	// Errors records pipeline stages that failed and were degraded.
	Errors []AgentError `json:"errors,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FraudCase is the immutable audit record created on escalation.
type FraudCase struct {
	CaseID      string    `json:"caseId"`
	TenantID    string    `json:"tenantId"`
	TxID        string    `json:"txId"`
	UserID      string    `json:"userId"`
	RiskScore   int       `json:"riskScore"`
	Status      Status    `json:"status"`
	Amount      float64   `json:"amount"`
	Report      string    `json:"report"`
	EvidenceRef string    `json:"evidenceRef"`
	CreatedAt   time.Time `json:"createdAt"`
}
