// Package domain defines the core interfaces and types for FraudGuard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// User profiles
	SaveUserProfile(ctx context.Context, tenantID string, profile *UserProfile) error
	GetUserProfile(ctx context.Context, tenantID string, userID string) (*UserProfile, error)

	// Transaction history. fraudFlag is the adjudicated outcome (0 = clean).
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction, fraudFlag int) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)

	// GetUserHistory returns up to limit most recent records for a user,
	// most-recent-first, with no date cutoff.
	GetUserHistory(ctx context.Context, tenantID string, userID string, limit int) ([]*HistoryRecord, error)

	// CountUserTransactionsSince counts a user's transactions in a window.
	CountUserTransactionsSince(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error)

	// Pending transactions awaiting step-up verification, keyed by tx ID.
	SavePending(ctx context.Context, tenantID string, pending *PendingTransaction) error
	GetPending(ctx context.Context, tenantID string, txID string) (*PendingTransaction, error)
	DeletePending(ctx context.Context, tenantID string, txID string) error

	// Risk assessments
	SaveAssessment(ctx context.Context, tenantID string, assessment *RiskAssessment) error
	GetAssessment(ctx context.Context, tenantID string, id string) (*RiskAssessment, error)

	// Fraud cases. CreateCase enforces a uniqueness constraint on
	// (tenant, transaction): two requests for the same transaction must not
	// race to create two cases. Returns ErrDuplicateCase on violation.
	CreateCase(ctx context.Context, tenantID string, fraudCase *FraudCase) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*FraudCase, error)
	GetCaseByTransaction(ctx context.Context, tenantID string, txID string) (*FraudCase, error)
	CaseIDExists(ctx context.Context, tenantID string, caseID string) (bool, error)

	// Evidence bundles and uploaded photos. Save returns a retrievable
	// reference handed to collaborators instead of the payload itself.
	SaveEvidenceBundle(ctx context.Context, tenantID string, caseID string, bundle []byte) (string, error)
	GetEvidenceBundle(ctx context.Context, tenantID string, ref string) ([]byte, error)
	SavePhoto(ctx context.Context, tenantID string, txID string, data []byte, filename string) (string, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
