package domain

import (
	"time"
)

// Transaction represents an incoming transaction to be evaluated.
// Immutable once created; amount and identity fields are never mutated.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	// Financial details
	Amount float64 `json:"amount"`

	// Transaction attributes
	Type             string `json:"type"`
	MerchantCategory string `json:"merchantCategory"`
	CardType         string `json:"cardType"`
	DeviceType       string `json:"deviceType"`
	Location         string `json:"location"`
	AuthMethod       string `json:"authMethod"`

	// Distance from the user's last known location, in configured units.
	Distance float64 `json:"distance,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransactionRequest is the API request payload for transaction submission.
type TransactionRequest struct {
	UserID           string  `json:"userId"`
	Amount           float64 `json:"amount"`
	Type             string  `json:"type"`
	MerchantCategory string  `json:"merchantCategory"`
	CardType         string  `json:"cardType"`
	DeviceType       string  `json:"deviceType,omitempty"`
	Location         string  `json:"location,omitempty"`
	AuthMethod       string  `json:"authMethod,omitempty"`
	Distance         float64 `json:"distance,omitempty"`
}

// Defaults applied to optional request fields.
const (
	DefaultDeviceType = "Desktop"
	DefaultLocation   = "Unknown"
	DefaultAuthMethod = "Password"
)

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID, txID string) *Transaction {
	now := time.Now().UTC()

	device := r.DeviceType
	if device == "" {
		device = DefaultDeviceType
	}
	location := r.Location
	if location == "" {
		location = DefaultLocation
	}
	auth := r.AuthMethod
	if auth == "" {
		auth = DefaultAuthMethod
	}

	return &Transaction{
		ID:               txID,
		TenantID:         tenantID,
		UserID:           r.UserID,
		Amount:           r.Amount,
		Type:             r.Type,
		MerchantCategory: r.MerchantCategory,
		CardType:         r.CardType,
		DeviceType:       device,
		Location:         location,
		AuthMethod:       auth,
		Distance:         r.Distance,
		Timestamp:        now,
		CreatedAt:        now,
	}
}

// HistoryRecord is a historical transaction row fetched for evidence
// collection. Timestamp is kept as the raw stored string: history rows may
// carry malformed timestamps and the evidence collector parses them leniently
// (failed parse means "not within window", never an error).
type HistoryRecord struct {
	TxID             string  `json:"txId"`
	Amount           float64 `json:"amount"`
	Type             string  `json:"type"`
	MerchantCategory string  `json:"merchantCategory"`
	DeviceType       string  `json:"deviceType"`
	Location         string  `json:"location"`
	Timestamp        string  `json:"timestamp"`
	FraudFlag        int     `json:"fraudFlag"`
}

// PendingTransaction is a transaction suspended awaiting step-up
// verification, persisted with the code issued at submission.
type PendingTransaction struct {
	Transaction      *Transaction `json:"transaction"`
	VerificationCode string       `json:"verificationCode"`
	FlagReasons      []string     `json:"flagReasons"`

	// BaseScore is the classifier score computed at submission, reused when
	// the pipeline resumes after verification.
	BaseScore int       `json:"baseScore"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserProfile is the stored seed profile for a user, used by the feature
// builder for fields not derivable from transaction history.
type UserProfile struct {
	UserID         string    `json:"userId"`
	AccountBalance float64   `json:"accountBalance"`
	CardAgeDays    int       `json:"cardAgeDays"`
	AccountAgeDays int       `json:"accountAgeDays"`
	CreatedAt      time.Time `json:"createdAt"`
}
