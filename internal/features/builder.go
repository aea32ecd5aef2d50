// Package features builds the fixed-order feature vector the fraud
// classifier consumes from a raw transaction, a stored user profile and the
// aggregated user baseline.
package features

import (
	"math"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// HighValueThreshold marks transactions above this amount as high value.
const HighValueThreshold = 1000.0

// Builder derives feature vectors. Safe for concurrent use.
type Builder struct {
	unusualHours map[int]bool
}

// NewBuilder returns a Builder flagging the given hours as unusual.
func NewBuilder(unusualHours []int) *Builder {
	hours := make(map[int]bool, len(unusualHours))
	for _, h := range unusualHours {
		hours[h] = true
	}
	return &Builder{unusualHours: hours}
}

// Build produces the feature vector for a transaction. profile may be nil
// (documented defaults apply); baseline must be non-nil but may be empty for
// a first-time user.
func (b *Builder) Build(tx *domain.Transaction, profile *domain.UserProfile, baseline *domain.UserBaseline) (*domain.FeatureVector, error) {
	v := domain.NewFeatureVector()

	set := func(col string, val float64) error { return v.Set(col, val) }

	if err := set("transaction_amount", tx.Amount); err != nil {
		return nil, err
	}
	if err := set("transaction_type", EncodeTransactionType(tx.Type)); err != nil {
		return nil, err
	}
	if err := set("device_type", EncodeDeviceType(tx.DeviceType)); err != nil {
		return nil, err
	}
	if err := set("location", EncodeLocation(tx.Location)); err != nil {
		return nil, err
	}
	if err := set("merchant_category", EncodeMerchantCategory(tx.MerchantCategory)); err != nil {
		return nil, err
	}
	if err := set("card_type", EncodeCardType(tx.CardType)); err != nil {
		return nil, err
	}
	if err := set("auth_method", EncodeAuthMethod(tx.AuthMethod)); err != nil {
		return nil, err
	}
	if err := set("transaction_distance", tx.Distance); err != nil {
		return nil, err
	}

	if profile != nil {
		if profile.AccountBalance > 0 {
			if err := set("account_balance", profile.AccountBalance); err != nil {
				return nil, err
			}
		}
		if profile.CardAgeDays > 0 {
			if err := set("card_age_days", float64(profile.CardAgeDays)); err != nil {
				return nil, err
			}
		}
	}

	avg := domain.DefaultAvgAmount7d
	if baseline.TotalTransactions > 0 {
		avg = baseline.AvgAmount
		if err := set("avg_amount_7d", avg); err != nil {
			return nil, err
		}
	}
	if err := set("prior_fraud_count", float64(baseline.FraudIncidents)); err != nil {
		return nil, err
	}

	if err := set("amount_deviation_ratio", deviationRatio(tx.Amount, avg)); err != nil {
		return nil, err
	}
	if err := set("is_high_value", boolFeature(tx.Amount > HighValueThreshold)); err != nil {
		return nil, err
	}
	newDevice := baseline.TotalTransactions > 0 && !baseline.KnowsDevice(tx.DeviceType)
	if err := set("is_new_device", boolFeature(newDevice)); err != nil {
		return nil, err
	}

	for col, val := range b.timeFeatures(tx.Timestamp) {
		if err := set(col, val); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// timeFeatures derives the temporal columns. A zero timestamp falls back to
// the current time, mirroring how submission timestamps are assigned.
func (b *Builder) timeFeatures(ts time.Time) map[string]float64 {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	// time.Weekday is Sunday=0; the model was trained with Monday=0.
	dow := (int(ts.Weekday()) + 6) % 7
	return map[string]float64{
		"hour_of_day":     float64(ts.Hour()),
		"day_of_week":     float64(dow),
		"is_weekend":      boolFeature(dow >= 5),
		"is_unusual_hour": boolFeature(b.unusualHours[ts.Hour()]),
	}
}

// deviationRatio is |amount - avg| / avg, 0 when there is no history average.
func deviationRatio(amount, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return math.Abs(amount-avg) / avg
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
