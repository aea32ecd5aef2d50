package repository

import "fmt"

// Schema definitions for FraudGuard storage.
// Compatible with both SQLite and PostgreSQL; binary columns are the one
// point where the dialects diverge, so those statements take the driver's
// blob type as a parameter.

const schemaUserProfiles = `
CREATE TABLE IF NOT EXISTS user_profiles (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    account_balance REAL NOT NULL,
    card_age_days INTEGER NOT NULL,
    account_age_days INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    type TEXT NOT NULL,
    merchant_category TEXT NOT NULL,
    card_type TEXT NOT NULL,
    device_type TEXT NOT NULL,
    location TEXT NOT NULL,
    auth_method TEXT NOT NULL,
    distance REAL NOT NULL DEFAULT 0,
    fraud_flag INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(tenant_id, user_id, timestamp);
`

const schemaPendingTransactions = `
CREATE TABLE IF NOT EXISTS pending_transactions (
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    transaction_data TEXT NOT NULL,
    verification_code TEXT NOT NULL,
    flag_reasons TEXT NOT NULL,
    base_score INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, tx_id)
);
`

const schemaAssessments = `
CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    base_score INTEGER NOT NULL,
    adjustments TEXT,
    score INTEGER NOT NULL,
    status TEXT NOT NULL,
    confidence TEXT NOT NULL,
    reasoning TEXT,
    explanation TEXT,
    case_id TEXT,
    errors TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_tenant ON assessments(tenant_id);
CREATE INDEX IF NOT EXISTS idx_assessments_tx ON assessments(tenant_id, tx_id);
CREATE INDEX IF NOT EXISTS idx_assessments_status ON assessments(tenant_id, status);
`

// schemaFraudCases carries the uniqueness constraint that guards against two
// concurrent escalations creating separate cases for one transaction.
const schemaFraudCases = `
CREATE TABLE IF NOT EXISTS fraud_cases (
    case_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    status TEXT NOT NULL,
    amount REAL NOT NULL,
    report TEXT,
    evidence_ref TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, case_id),
    UNIQUE (tenant_id, tx_id)
);

CREATE INDEX IF NOT EXISTS idx_fraud_cases_user ON fraud_cases(tenant_id, user_id);
`

const schemaEvidenceBundles = `
CREATE TABLE IF NOT EXISTS evidence_bundles (
    tenant_id TEXT NOT NULL,
    ref TEXT NOT NULL,
    case_id TEXT NOT NULL,
    bundle %s NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, ref)
);
`

const schemaPhotos = `
CREATE TABLE IF NOT EXISTS photos (
    tenant_id TEXT NOT NULL,
    ref TEXT NOT NULL,
    tx_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    data %s NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (tenant_id, ref)
);
`

// blobType maps the configured driver to its binary column type. PostgreSQL
// has no BLOB type.
func blobType(driver string) string {
	if driver == "postgres" {
		return "BYTEA"
	}
	return "BLOB"
}

// SchemasFor returns all schema statements for the given driver, in order.
func SchemasFor(driver string) []string {
	blob := blobType(driver)
	return []string{
		schemaUserProfiles,
		schemaTransactions,
		schemaPendingTransactions,
		schemaAssessments,
		schemaFraudCases,
		fmt.Sprintf(schemaEvidenceBundles, blob),
		fmt.Sprintf(schemaPhotos, blob),
	}
}
