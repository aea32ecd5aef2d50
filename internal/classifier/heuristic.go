// Package classifier provides fraud probability scorers behind the
// domain.Classifier interface: a local heuristic model for the Community
// tier and an HTTP adapter for remotely hosted inference.
package classifier

import (
	"context"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/features"
)

// Heuristic scores transactions with a weighted rule model over the feature
// vector. It is deterministic and needs no model artifacts, so it also serves
// as the degraded-mode fallback when remote inference is unreachable.
type Heuristic struct{}

// NewHeuristic returns a heuristic classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Score returns a fraud probability in [0, 1].
func (h *Heuristic) Score(_ context.Context, v *domain.FeatureVector) (float64, error) {
	var score float64

	amount := v.Get("transaction_amount")
	switch {
	case amount > 5000:
		score += 0.3
	case amount > 2000:
		score += 0.2
	case amount > 1000:
		score += 0.1
	case amount < 10:
		// Very small amounts are a card-testing signal.
		score += 0.05
	}

	if v.Get("is_unusual_hour") == 1 {
		score += 0.2
	}

	switch txType := v.Get("transaction_type"); txType {
	case features.CodeWithdrawal, features.CodeTransfer:
		score += 0.15
	case features.CodePurchase:
		score += 0.05
	}

	if highRiskMerchant(v.Get("merchant_category")) {
		score += 0.15
	}

	if loc := v.Get("location"); loc == features.CodeInternational || loc == features.CodeUnknownLocation {
		score += 0.1
	}

	if auth := v.Get("auth_method"); auth == features.CodeAuthNone || auth == features.CodeAuthPassword {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score, nil
}

func highRiskMerchant(code float64) bool {
	switch code {
	case features.CodeCrypto, features.CodeElectronics, features.CodeJewelry, features.CodeTravel:
		return true
	}
	return false
}
