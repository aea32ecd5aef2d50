package features

import "strings"

// Label code tables for categorical columns. Classes are listed in sorted
// order and assigned codes 0..n-1, matching the encoder artifacts the
// classifier was trained with. An unknown value maps to code 0, the same
// fallback the training pipeline used.
var (
	transactionTypeCodes = []string{"deposit", "purchase", "refund", "transfer", "withdrawal"}
	deviceTypeCodes      = []string{"desktop", "mobile", "tablet"}
	locationCodes        = []string{"domestic", "international", "unknown"}
	merchantCodes        = []string{"clothing", "crypto", "electronics", "entertainment", "groceries", "jewelry", "restaurants", "retail", "travel"}
	cardTypeCodes        = []string{"credit", "debit", "prepaid"}
	authMethodCodes      = []string{"biometric", "none", "otp", "password", "pin"}
)

// Named codes for classes the scoring heuristics branch on. Values follow
// from the sorted positions above.
const (
	CodePurchase   = 1.0
	CodeTransfer   = 3.0
	CodeWithdrawal = 4.0

	CodeInternational   = 1.0
	CodeUnknownLocation = 2.0

	CodeCrypto      = 1.0
	CodeElectronics = 2.0
	CodeJewelry     = 5.0
	CodeTravel      = 8.0

	CodeAuthNone     = 1.0
	CodeAuthPassword = 3.0
)

func encode(classes []string, value string) float64 {
	v := strings.ToLower(strings.TrimSpace(value))
	for i, c := range classes {
		if c == v {
			return float64(i)
		}
	}
	return 0
}

// EncodeTransactionType returns the numeric code for a transaction type.
func EncodeTransactionType(v string) float64 { return encode(transactionTypeCodes, v) }

// EncodeDeviceType returns the numeric code for a device type.
func EncodeDeviceType(v string) float64 { return encode(deviceTypeCodes, v) }

// EncodeLocation returns the numeric code for a location.
func EncodeLocation(v string) float64 { return encode(locationCodes, v) }

// EncodeMerchantCategory returns the numeric code for a merchant category.
func EncodeMerchantCategory(v string) float64 { return encode(merchantCodes, v) }

// EncodeCardType returns the numeric code for a card type.
func EncodeCardType(v string) float64 { return encode(cardTypeCodes, v) }

// EncodeAuthMethod returns the numeric code for an authentication method.
func EncodeAuthMethod(v string) float64 { return encode(authMethodCodes, v) }
