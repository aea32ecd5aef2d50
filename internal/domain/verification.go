package domain

// SubCheck is one component check of a biometric verification, with a
// pass/fail verdict and the provider-reported confidence (0-100).
type SubCheck struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
}

// VerificationResult is the canonical, normalized outcome of a step-up
// biometric verification. Produced once per verified transaction and never
// mutated after creation.
type VerificationResult struct {
	// Authentic is true only when the provider status is verified AND the
	// face match, authenticity (deepfake) and liveness checks all passed.
	Authentic bool `json:"authentic"`

	// Confidence is the arithmetic mean of the three sub-check confidences.
	Confidence float64 `json:"confidence"`

	// Status is the provider's overall verdict string (e.g. "VERIFIED").
	Status string `json:"status"`

	FaceMatch  SubCheck `json:"faceMatch"`
	Similarity float64  `json:"similarity"`

	// Authenticity is the deepfake / is-real check.
	Authenticity SubCheck `json:"authenticity"`
	QualityScore float64  `json:"qualityScore"`

	Liveness SubCheck `json:"liveness"`

	CodeValidated bool `json:"codeValidated"`

	// RiskFactors are human-readable findings appended in a fixed order.
	RiskFactors []string `json:"riskFactors,omitempty"`
}

// RawVerification is the heterogeneous payload returned by the external
// verification service. Absent sub-fields decode to their zero values, which
// the normalizer treats as failed/false rather than as an error.
type RawVerification struct {
	Status string `json:"verification_result"`

	FaceComparison struct {
		Match      bool    `json:"match"`
		Similarity float64 `json:"similarity"`
		Confidence float64 `json:"confidence"`
	} `json:"face_comparison"`

	QualityCheck struct {
		IsReal       bool    `json:"is_real"`
		Confidence   float64 `json:"confidence"`
		QualityScore float64 `json:"quality_score"`
	} `json:"quality_check"`

	LivenessCheck struct {
		IsLive     bool            `json:"is_live"`
		Score      float64         `json:"liveness_score"`
		Confidence float64         `json:"confidence"`
		Checks     map[string]bool `json:"checks"`
	} `json:"liveness_check"`

	CodeValidated bool   `json:"code_validated"`
	Reason        string `json:"reason"`
}

// Provider status value meaning the verification passed overall.
const VerificationStatusVerified = "VERIFIED"
