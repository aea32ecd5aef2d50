package domain

import "sort"

// UserBaseline is the aggregated behavioral profile for a user, derived from
// transaction history on every request. Read-only to all pipeline components.
type UserBaseline struct {
	UserID string `json:"userId"`

	AvgAmount float64 `json:"avgAmount"`
	MinAmount float64 `json:"minAmount"`
	MaxAmount float64 `json:"maxAmount"`

	// Known sets are kept sorted so downstream output is order-stable.
	KnownDevices   []string `json:"knownDevices"`
	KnownLocations []string `json:"knownLocations"`
	KnownMerchants []string `json:"knownMerchants"`

	FraudIncidents    int `json:"fraudIncidents"`
	TotalTransactions int `json:"totalTransactions"`
}

// BuildBaseline aggregates a user's history into a baseline.
func BuildBaseline(userID string, history []*HistoryRecord) *UserBaseline {
	b := &UserBaseline{
		UserID:            userID,
		TotalTransactions: len(history),
	}

	devices := make(map[string]struct{})
	locations := make(map[string]struct{})
	merchants := make(map[string]struct{})

	var total float64
	for i, rec := range history {
		total += rec.Amount
		if i == 0 || rec.Amount < b.MinAmount {
			b.MinAmount = rec.Amount
		}
		if rec.Amount > b.MaxAmount {
			b.MaxAmount = rec.Amount
		}
		if rec.DeviceType != "" {
			devices[rec.DeviceType] = struct{}{}
		}
		if rec.Location != "" {
			locations[rec.Location] = struct{}{}
		}
		if rec.MerchantCategory != "" {
			merchants[rec.MerchantCategory] = struct{}{}
		}
		if rec.FraudFlag > 0 {
			b.FraudIncidents++
		}
	}

	if len(history) > 0 {
		b.AvgAmount = total / float64(len(history))
	}

	b.KnownDevices = sortedKeys(devices)
	b.KnownLocations = sortedKeys(locations)
	b.KnownMerchants = sortedKeys(merchants)

	return b
}

// KnowsDevice reports whether the device appears in the user's history.
func (b *UserBaseline) KnowsDevice(device string) bool {
	return contains(b.KnownDevices, device)
}

// KnowsLocation reports whether the location appears in the user's history.
func (b *UserBaseline) KnowsLocation(location string) bool {
	return contains(b.KnownLocations, location)
}

// KnowsMerchant reports whether the merchant category appears in the user's history.
func (b *UserBaseline) KnowsMerchant(merchant string) bool {
	return contains(b.KnownMerchants, merchant)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
