package domain

import "context"

// Classifier is the black-box fraud classifier. Score must always be called
// with a complete vector (every declared column present) and returns a fraud
// probability in [0, 1].
type Classifier interface {
	Score(ctx context.Context, features *FeatureVector) (float64, error)
}

// BiometricVerifier is the black-box verification service. The expected
// verification code is forwarded so the provider can cross-check it against
// the code the user typed into the capture flow. The returned payload is
// heterogeneous; callers normalize it via the verify package and treat absent
// sub-fields as failed defaults, not errors.
type BiometricVerifier interface {
	Verify(ctx context.Context, userID, photoRef, expectedCode string, similarityThreshold float64) (*RawVerification, error)
}

// GenerateOptions bound a text-generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}

// TextGenerator is the black-box text-generation collaborator. Callers must
// tolerate non-parseable output and degrade gracefully; a generation failure
// is never a pipeline failure.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Alerter delivers fraud alerts. Send returns a delivery reference.
type Alerter interface {
	Send(ctx context.Context, tenantID, subject, message string) (string, error)
}
