// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDuplicateCase = errors.New("case already exists for transaction")
)

// timeLayout is a fixed-width UTC layout so that string comparison on stored
// timestamps matches time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range SchemasFor(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveUserProfile stores or replaces a user's seed profile.
func (r *SQLRepository) SaveUserProfile(ctx context.Context, tenantID string, profile *domain.UserProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO user_profiles (
			tenant_id, user_id, account_balance, card_age_days, account_age_days, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			account_balance = excluded.account_balance,
			card_age_days = excluded.card_age_days,
			account_age_days = excluded.account_age_days
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.UserID,
		profile.AccountBalance, profile.CardAgeDays, profile.AccountAgeDays,
		fmtTime(profile.CreatedAt),
	)
	return err
}

// GetUserProfile retrieves a user's profile with tenant isolation.
func (r *SQLRepository) GetUserProfile(ctx context.Context, tenantID string, userID string) (*domain.UserProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT user_id, account_balance, card_age_days, account_age_days, created_at
		FROM user_profiles
		WHERE tenant_id = ? AND user_id = ?
	`

	var p domain.UserProfile
	var createdAt string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&p.UserID, &p.AccountBalance, &p.CardAgeDays, &p.AccountAgeDays, &createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// SaveTransaction stores an evaluated transaction with its adjudicated
// fraud flag.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction, fraudFlag int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, user_id, amount, type, merchant_category,
			card_type, device_type, location, auth_method, distance,
			fraud_flag, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.UserID, tx.Amount, tx.Type, tx.MerchantCategory,
		tx.CardType, tx.DeviceType, tx.Location, tx.AuthMethod, tx.Distance,
		fraudFlag, fmtTime(tx.Timestamp), fmtTime(tx.CreatedAt),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, user_id, amount, type, merchant_category,
			   card_type, device_type, location, auth_method, distance,
			   timestamp, created_at
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var timestamp, createdAt string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.UserID, &tx.Amount, &tx.Type, &tx.MerchantCategory,
		&tx.CardType, &tx.DeviceType, &tx.Location, &tx.AuthMethod, &tx.Distance,
		&timestamp, &createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Timestamp = parseTime(timestamp)
	tx.CreatedAt = parseTime(createdAt)
	return &tx, nil
}

// GetUserHistory returns up to limit most recent records for a user,
// most-recent-first. Timestamps come back as the raw stored strings; callers
// parse them leniently.
func (r *SQLRepository) GetUserHistory(ctx context.Context, tenantID string, userID string, limit int) ([]*domain.HistoryRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, amount, type, merchant_category, device_type, location, timestamp, fraud_flag
		FROM transactions
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		if err := rows.Scan(
			&rec.TxID, &rec.Amount, &rec.Type, &rec.MerchantCategory,
			&rec.DeviceType, &rec.Location, &rec.Timestamp, &rec.FraudFlag,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// CountUserTransactionsSince counts a user's transactions in a window.
func (r *SQLRepository) CountUserTransactionsSince(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE tenant_id = ? AND user_id = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID, fmtTime(since)).Scan(&count)
	return count, err
}

// SavePending stores a suspended transaction awaiting verification.
func (r *SQLRepository) SavePending(ctx context.Context, tenantID string, pending *domain.PendingTransaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	txData, err := json.Marshal(pending.Transaction)
	if err != nil {
		return fmt.Errorf("failed to encode pending transaction: %w", err)
	}
	reasons, _ := json.Marshal(pending.FlagReasons)

	query := `
		INSERT INTO pending_transactions (
			tenant_id, tx_id, transaction_data, verification_code, flag_reasons, base_score, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO UPDATE SET
			transaction_data = excluded.transaction_data,
			verification_code = excluded.verification_code,
			flag_reasons = excluded.flag_reasons,
			base_score = excluded.base_score
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tenantID, pending.Transaction.ID, string(txData),
		pending.VerificationCode, string(reasons), pending.BaseScore,
		fmtTime(pending.CreatedAt),
	)
	return err
}

// GetPending retrieves a suspended transaction by its transaction ID.
func (r *SQLRepository) GetPending(ctx context.Context, tenantID string, txID string) (*domain.PendingTransaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_data, verification_code, flag_reasons, base_score, created_at
		FROM pending_transactions
		WHERE tenant_id = ? AND tx_id = ?
	`

	var pending domain.PendingTransaction
	var txData, reasons, createdAt string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&txData, &pending.VerificationCode, &reasons, &pending.BaseScore, &createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(txData), &pending.Transaction); err != nil {
		return nil, fmt.Errorf("failed to decode pending transaction %s: %w", txID, err)
	}
	json.Unmarshal([]byte(reasons), &pending.FlagReasons)
	pending.CreatedAt = parseTime(createdAt)

	return &pending, nil
}

// DeletePending removes a consumed pending record.
func (r *SQLRepository) DeletePending(ctx context.Context, tenantID string, txID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM pending_transactions WHERE tenant_id = ? AND tx_id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, txID)
	return err
}

// SaveAssessment stores a risk assessment.
func (r *SQLRepository) SaveAssessment(ctx context.Context, tenantID string, assessment *domain.RiskAssessment) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	adjustments, _ := json.Marshal(assessment.Adjustments)
	agentErrs, _ := json.Marshal(assessment.Errors)

	query := `
		INSERT INTO assessments (
			id, tenant_id, tx_id, base_score, adjustments, score,
			status, confidence, reasoning, explanation, case_id, errors, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		assessment.ID, tenantID, assessment.TxID, assessment.BaseScore,
		string(adjustments), assessment.Score,
		string(assessment.Status), assessment.Confidence,
		assessment.Reasoning, assessment.Explanation, assessment.CaseID,
		string(agentErrs), fmtTime(assessment.CreatedAt),
	)
	return err
}

// GetAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetAssessment(ctx context.Context, tenantID string, id string) (*domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, tx_id, base_score, adjustments, score,
			   status, confidence, reasoning, explanation, case_id, errors, created_at
		FROM assessments
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.RiskAssessment
	var adjustments, agentErrs, status, createdAt string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.TxID, &a.BaseScore, &adjustments, &a.Score,
		&status, &a.Confidence, &a.Reasoning, &a.Explanation, &a.CaseID,
		&agentErrs, &createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Status = domain.Status(status)
	json.Unmarshal([]byte(adjustments), &a.Adjustments)
	json.Unmarshal([]byte(agentErrs), &a.Errors)
	a.CreatedAt = parseTime(createdAt)

	return &a, nil
}

// CreateCase inserts a fraud case. The (tenant, transaction) uniqueness
// constraint makes concurrent escalations for one transaction a detectable
// conflict rather than a double case.
func (r *SQLRepository) CreateCase(ctx context.Context, tenantID string, fraudCase *domain.FraudCase) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_cases (
			case_id, tenant_id, tx_id, user_id, risk_score,
			status, amount, report, evidence_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fraudCase.CaseID, tenantID, fraudCase.TxID, fraudCase.UserID,
		fraudCase.RiskScore, string(fraudCase.Status), fraudCase.Amount,
		fraudCase.Report, fraudCase.EvidenceRef, fmtTime(fraudCase.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateCase
	}
	return err
}

// GetCase retrieves a fraud case by its case ID.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.FraudCase, error) {
	return r.getCase(ctx, tenantID, "case_id", caseID)
}

// GetCaseByTransaction retrieves the fraud case created for a transaction.
func (r *SQLRepository) GetCaseByTransaction(ctx context.Context, tenantID string, txID string) (*domain.FraudCase, error) {
	return r.getCase(ctx, tenantID, "tx_id", txID)
}

func (r *SQLRepository) getCase(ctx context.Context, tenantID, column, value string) (*domain.FraudCase, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT case_id, tenant_id, tx_id, user_id, risk_score,
			   status, amount, report, evidence_ref, created_at
		FROM fraud_cases
		WHERE tenant_id = ? AND %s = ?
	`, column)

	var c domain.FraudCase
	var status, createdAt string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, value).Scan(
		&c.CaseID, &c.TenantID, &c.TxID, &c.UserID, &c.RiskScore,
		&status, &c.Amount, &c.Report, &c.EvidenceRef, &createdAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Status = domain.Status(status)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// CaseIDExists reports whether a case ID is already taken for the tenant.
func (r *SQLRepository) CaseIDExists(ctx context.Context, tenantID string, caseID string) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM fraud_cases WHERE tenant_id = ? AND case_id = ?`

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// SaveEvidenceBundle stores a case's evidence bundle and returns its
// retrievable reference.
func (r *SQLRepository) SaveEvidenceBundle(ctx context.Context, tenantID string, caseID string, bundle []byte) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	ref := "evidence/" + caseID

	query := `
		INSERT INTO evidence_bundles (tenant_id, ref, case_id, bundle, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, ref) DO UPDATE SET
			bundle = excluded.bundle
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, ref, caseID, bundle, fmtTime(time.Now()),
	)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// GetEvidenceBundle retrieves a bundle by its reference.
func (r *SQLRepository) GetEvidenceBundle(ctx context.Context, tenantID string, ref string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT bundle FROM evidence_bundles WHERE tenant_id = ? AND ref = ?`

	var bundle []byte
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ref).Scan(&bundle)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// SavePhoto stores an uploaded verification photo and returns its reference.
func (r *SQLRepository) SavePhoto(ctx context.Context, tenantID string, txID string, data []byte, filename string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if filename == "" {
		filename = "upload"
	}

	ref := fmt.Sprintf("photos/%s/%s", txID, filename)

	query := `
		INSERT INTO photos (tenant_id, ref, tx_id, filename, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, ref) DO UPDATE SET
			data = excluded.data
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, ref, txID, filename, data, fmtTime(time.Now()),
	)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// isUniqueViolation detects a unique constraint failure across both drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
