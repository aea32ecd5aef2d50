package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// HTTPClassifier calls a remote inference endpoint. The endpoint receives the
// feature columns and values in declared order and returns a probability.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier returns a classifier posting to url with the given
// timeout per call.
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type inferenceRequest struct {
	Columns []string  `json:"columns"`
	Values  []float64 `json:"values"`
}

type inferenceResponse struct {
	Probability float64 `json:"probability"`
}

// Score posts the vector and returns the model probability.
func (c *HTTPClassifier) Score(ctx context.Context, v *domain.FeatureVector) (float64, error) {
	body, err := json.Marshal(inferenceRequest{
		Columns: v.Columns(),
		Values:  v.Values(),
	})
	if err != nil {
		return 0, fmt.Errorf("encoding inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling inference endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("inference endpoint returned status %d", resp.StatusCode)
	}

	var out inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding inference response: %w", err)
	}
	if out.Probability < 0 || out.Probability > 1 {
		return 0, fmt.Errorf("inference probability %v out of range", out.Probability)
	}
	return out.Probability, nil
}

// WithFallback wraps a primary classifier with a fallback used when the
// primary returns an error. The returned probability then comes from the
// fallback and the error is reported to the caller-supplied hook.
type WithFallback struct {
	Primary  domain.Classifier
	Fallback domain.Classifier
	OnError  func(error)
}

// Score tries the primary classifier, then the fallback.
func (w *WithFallback) Score(ctx context.Context, v *domain.FeatureVector) (float64, error) {
	p, err := w.Primary.Score(ctx, v)
	if err == nil {
		return p, nil
	}
	if w.OnError != nil {
		w.OnError(err)
	}
	return w.Fallback.Score(ctx, v)
}
