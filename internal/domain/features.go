package domain

import "fmt"

// FeatureColumns is the fixed, ordered list of feature names the classifier
// was trained on. The inference-time order MUST match this list exactly: a
// column-order mismatch silently corrupts predictions, so vectors are always
// serialized through Values() and never as an unordered map.
var FeatureColumns = []string{
	"transaction_amount",
	"transaction_type",
	"account_balance",
	"device_type",
	"location",
	"merchant_category",
	"ip_address_flag",
	"prior_fraud_count",
	"daily_txn_count",
	"avg_amount_7d",
	"failed_txn_count_7d",
	"card_type",
	"card_age_days",
	"transaction_distance",
	"auth_method",
	"is_weekend",
	"hour_of_day",
	"day_of_week",
	"is_unusual_hour",
	"amount_deviation_ratio",
	"is_high_value",
	"is_new_device",
}

// Documented defaults for columns absent from input. A missing field is
// always filled with its default, never silently omitted.
const (
	DefaultAccountBalance    = 50000.0
	DefaultCardAgeDays       = 730.0
	DefaultDailyTransactions = 5.0
	DefaultAvgAmount7d       = 200.0
)

// featureDefaults maps every column to its documented default.
var featureDefaults = map[string]float64{
	"account_balance": DefaultAccountBalance,
	"card_age_days":   DefaultCardAgeDays,
	"daily_txn_count": DefaultDailyTransactions,
	"avg_amount_7d":   DefaultAvgAmount7d,
}

// FeatureVector is the fixed-order numeric vector consumed by the fraud
// classifier. Categorical fields are encoded to numeric codes by the feature
// builder before being set.
type FeatureVector struct {
	values map[string]float64
}

// NewFeatureVector returns a vector with every declared column present,
// pre-populated with its documented default.
func NewFeatureVector() *FeatureVector {
	values := make(map[string]float64, len(FeatureColumns))
	for _, col := range FeatureColumns {
		values[col] = featureDefaults[col]
	}
	return &FeatureVector{values: values}
}

// Set assigns a value to a declared column. Setting an undeclared column is
// an error: it would be dropped at serialization time and corrupt nothing
// visibly, which is worse than failing loudly.
func (v *FeatureVector) Set(column string, value float64) error {
	if _, ok := v.values[column]; !ok {
		return fmt.Errorf("undeclared feature column %q", column)
	}
	v.values[column] = value
	return nil
}

// Get returns the value of a column (its default if never set).
func (v *FeatureVector) Get(column string) float64 {
	return v.values[column]
}

// Values returns the vector values in FeatureColumns order.
func (v *FeatureVector) Values() []float64 {
	out := make([]float64, len(FeatureColumns))
	for i, col := range FeatureColumns {
		out[i] = v.values[col]
	}
	return out
}

// Columns returns the declared column order.
func (v *FeatureVector) Columns() []string {
	return FeatureColumns
}
