// Package verify adapts the external biometric verification service and
// normalizes its heterogeneous responses into the canonical
// domain.VerificationResult.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Risk factor strings, appended in this fixed order.
const (
	factorDeepfake = "Potential deepfake detected"
	factorLiveness = "Liveness check failed"
	factorEyes     = "Eyes not visible"
	factorShades   = "Sunglasses detected"
)

// Normalize converts a raw provider payload into the canonical result.
// Absent sub-fields arrive as zero values and count as failed, never as an
// error. qualityFloor is the minimum acceptable image quality score.
func Normalize(raw *domain.RawVerification, qualityFloor float64) *domain.VerificationResult {
	res := &domain.VerificationResult{
		Status:        raw.Status,
		Similarity:    raw.FaceComparison.Similarity,
		QualityScore:  raw.QualityCheck.QualityScore,
		CodeValidated: raw.CodeValidated,
		FaceMatch: domain.SubCheck{
			Passed:     raw.FaceComparison.Match,
			Confidence: raw.FaceComparison.Confidence,
		},
		Authenticity: domain.SubCheck{
			Passed:     raw.QualityCheck.IsReal,
			Confidence: raw.QualityCheck.Confidence,
		},
		Liveness: domain.SubCheck{
			Passed:     raw.LivenessCheck.IsLive,
			Confidence: raw.LivenessCheck.Confidence,
		},
	}

	// All four required, no partial credit.
	res.Authentic = raw.Status == domain.VerificationStatusVerified &&
		res.FaceMatch.Passed &&
		res.Authenticity.Passed &&
		res.Liveness.Passed

	// A sub-check with no reported confidence contributes 0 to the mean.
	res.Confidence = (res.FaceMatch.Confidence + res.Authenticity.Confidence + res.Liveness.Confidence) / 3

	res.RiskFactors = riskFactors(raw, qualityFloor)
	return res
}

func riskFactors(raw *domain.RawVerification, qualityFloor float64) []string {
	var factors []string

	if !raw.FaceComparison.Match {
		factors = append(factors, fmt.Sprintf("Face mismatch (similarity: %.0f%%)", raw.FaceComparison.Similarity))
	}
	if !raw.QualityCheck.IsReal {
		factors = append(factors, factorDeepfake)
	}
	if !raw.LivenessCheck.IsLive {
		factors = append(factors, factorLiveness)
	}
	// An absent quality score means the provider did not measure it, not
	// that the image scored zero.
	if raw.QualityCheck.QualityScore > 0 && raw.QualityCheck.QualityScore < qualityFloor {
		factors = append(factors, fmt.Sprintf("Low image quality (%.0f)", raw.QualityCheck.QualityScore))
	}
	if !raw.LivenessCheck.Checks["eyes_open"] {
		factors = append(factors, factorEyes)
	}
	if noShades, present := raw.LivenessCheck.Checks["no_sunglasses"]; present && !noShades {
		factors = append(factors, factorShades)
	}

	return factors
}

// HTTPVerifier calls a remote verification endpoint over HTTP.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier returns a verifier posting to url with the given timeout.
func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	UserID              string  `json:"user_id"`
	PhotoRef            string  `json:"photo_ref"`
	ExpectedCode        string  `json:"expected_code"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// Verify posts the verification request and returns the raw provider
// payload for normalization by the caller.
func (v *HTTPVerifier) Verify(ctx context.Context, userID, photoRef, expectedCode string, similarityThreshold float64) (*domain.RawVerification, error) {
	body, err := json.Marshal(verifyRequest{
		UserID:              userID,
		PhotoRef:            photoRef,
		ExpectedCode:        expectedCode,
		SimilarityThreshold: similarityThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling verification service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verification service returned status %d", resp.StatusCode)
	}

	var raw domain.RawVerification
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding verification response: %w", err)
	}
	return &raw, nil
}
