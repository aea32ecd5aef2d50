package domain

import "time"

// PatternCode identifies a detected behavioral anomaly. Codes, not
// descriptions, drive scoring; descriptions are for analysts.
type PatternCode string

const (
	PatternAmountAnomaly     PatternCode = "amount_anomaly"
	PatternVelocitySpike     PatternCode = "velocity_spike"
	PatternNewDevice         PatternCode = "new_device"
	PatternNewLocation       PatternCode = "new_location"
	PatternFirstTimeMerchant PatternCode = "first_time_merchant"
	PatternPriorFraud        PatternCode = "prior_fraud"
	PatternRapidSuccession   PatternCode = "rapid_succession"
)

// Pattern is a single detected anomaly: a stable code plus a human-readable
// description. Detection is order-preserving, so repeated runs over the same
// input always produce the same ordered list.
type Pattern struct {
	Code        PatternCode `json:"code"`
	Description string      `json:"description"`
}

// TimelineEvent is one entry in the investigation timeline,
// most-recent-last. The synthetic "current" entry carries FraudFlag 0 since
// the in-flight transaction has not been adjudicated.
type TimelineEvent struct {
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	FraudFlag   int       `json:"fraudFlag"`
	Current     bool      `json:"current,omitempty"`
}

// EvidencePackage is the evidence bundle for one transaction: a baseline
// snapshot, a timeline of recent events, detected patterns and a free-text
// behavioral summary. Built fresh per transaction, read-only downstream.
type EvidencePackage struct {
	Baseline       *UserBaseline   `json:"baseline"`
	Timeline       []TimelineEvent `json:"timeline"`
	Patterns       []Pattern       `json:"patterns"`
	Summary        string          `json:"summary"`
	HistoryCount   int             `json:"historyCount"`
	Recent24hCount int             `json:"recent24hCount"`

	// Err is set when evidence collection itself failed and the package is a
	// degraded placeholder.
	Err *AgentError `json:"error,omitempty"`
}

// HasPattern reports whether a pattern with the given code was detected.
func (e *EvidencePackage) HasPattern(code PatternCode) bool {
	for _, p := range e.Patterns {
		if p.Code == code {
			return true
		}
	}
	return false
}

// AgentError is the structured error substituted for a pipeline stage's
// output when that stage fails, allowing synthesis to proceed degraded.
type AgentError struct {
	Agent string `json:"agent"`
	Err   string `json:"error"`
}

func (e *AgentError) Error() string {
	return e.Agent + ": " + e.Err
}
