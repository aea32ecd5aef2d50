//go:build integration
// +build integration

// Package integration provides end-to-end tests for the FraudGuard risk pipeline.
//
// These tests verify the COMPLETE assessment flow:
//
//	Transaction → Features → Classifier → Suspicion Gate → [Step-Up] → Evidence → Risk Score → Verdict
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A card payment submitted by a user (amount, device, location...)
//
// 2. SUSPICION GATE: Decides whether a transaction needs step-up verification:
//   - Classifier probability above threshold
//   - Amount far above the user's established baseline
//   - New device, unusual hour, or distant location with a high amount
//
// 3. STEP-UP: A flagged transaction is suspended. The user must present the
//    issued 6-digit code plus an identity photo to resume processing.
//
// 4. RISK SCORE: Classifier probability scaled to 0-100, adjusted by evidence
//    patterns and verification outcome. Thresholds map it to a verdict:
//   - Score >= 85  → BLOCKED
//   - Score 50-84  → REVIEW
//   - Score < 50   → APPROVED
//
// 5. ESCALATION: Scores >= 70 open a fraud case (FA-YYYYMMDD-NNNN) with an
//    evidence bundle and an operator alert.
//
// NOTE: These tests expect a FraudGuard instance with a heuristic classifier
// and no remote biometric verifier (the Community default). Start one with:
//
//	go run cmd/fraudguard/main.go
package integration

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("FRAUDGUARD_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		// Unique tenant per run so baselines from earlier runs don't leak in.
		TenantID: fmt.Sprintf("test-tenant-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Request/Response Types (matching FraudGuard's API contract)
// ============================================================================

// SubmitRequest is the transaction sent to POST /transactions
type SubmitRequest struct {
	UserID           string  `json:"userId"`
	Amount           float64 `json:"amount"`
	Type             string  `json:"type"`
	MerchantCategory string  `json:"merchantCategory"`
	CardType         string  `json:"cardType"`
	DeviceType       string  `json:"deviceType"`
	Location         string  `json:"location"`
	AuthMethod       string  `json:"authMethod"`
}

// SubmitResponse is what POST /transactions returns
type SubmitResponse struct {
	TxID                 string   `json:"txId"`
	Status               string   `json:"status"`
	Score                int      `json:"score"`
	RequiresVerification bool     `json:"requiresVerification"`
	VerificationCode     string   `json:"verificationCode"`
	FlagReasons          []string `json:"flagReasons"`
	CaseID               string   `json:"caseId"`
}

// VerifyRequest is the body for POST /transactions/{id}/verify
type VerifyRequest struct {
	VerificationCode string `json:"verificationCode"`
	Photo            string `json:"photo"`
	Filename         string `json:"filename"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func postJSON(t *testing.T, config TestConfig, path string, payload any, withTenant bool) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if withTenant {
		httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	return resp, respBody
}

func submit(t *testing.T, config TestConfig, req SubmitRequest) SubmitResponse {
	t.Helper()

	resp, body := postJSON(t, config, "/transactions", req, true)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 200 or 202, got %d: %s", resp.StatusCode, string(body))
	}

	var result SubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}

	return result
}

func steadyRequest(userID string, amount float64) SubmitRequest {
	return SubmitRequest{
		UserID:           userID,
		Amount:           amount,
		Type:             "Purchase",
		MerchantCategory: "Retail",
		CardType:         "Credit",
		DeviceType:       "Desktop",
		Location:         "Domestic",
		AuthMethod:       "Biometric",
	}
}

// seedBaseline establishes a spending history for a user by submitting
// a run of ordinary transactions through the public API.
func seedBaseline(t *testing.T, config TestConfig, userID string, n int, amount float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		result := submit(t, config, steadyRequest(userID, amount))
		if result.RequiresVerification {
			t.Fatalf("Baseline transaction %d unexpectedly flagged: %v", i, result.FlagReasons)
		}
	}
}

func fakePhoto() string {
	return base64.StdEncoding.EncodeToString([]byte("integration-test-photo-bytes"))
}

// ============================================================================
// SCENARIO 1: Normal Transaction (Approved)
// ============================================================================

func TestNormalTransaction_Approved(t *testing.T) {
	/*
	   SCENARIO: A regular $200 purchase from a user with a steady history

	   EXPECTED BEHAVIOR:
	   - Heuristic classifier scores the transaction low
	   - No gate rule fires (amount is in line with the baseline)
	   - Pipeline runs to completion without step-up

	   FINAL DECISION: "APPROVED" with a low score
	*/
	config := getTestConfig()
	seedBaseline(t, config, "user-normal-001", 8, 1000)

	result := submit(t, config, steadyRequest("user-normal-001", 200))

	// ASSERTIONS
	if result.Status != "APPROVED" {
		t.Errorf("Expected status APPROVED, got %s", result.Status)
	}

	if result.RequiresVerification {
		t.Errorf("Expected no step-up, got flags: %v", result.FlagReasons)
	}

	if result.Score >= 50 {
		t.Errorf("Expected low score (< 50), got %d", result.Score)
	}

	t.Logf("✓ Normal transaction approved: status=%s, score=%d", result.Status, result.Score)
}

// ============================================================================
// SCENARIO 2: High-Value Deviation (Step-Up Challenge)
// ============================================================================

func TestHighValueDeviation_StepUp(t *testing.T) {
	/*
	   SCENARIO: A $9,000 purchase from a user whose average is $1,000

	   EXPECTED BEHAVIOR:
	   - Amount is 9x the baseline: above the 5x multiplier AND the $5,000 floor
	   - Suspicion gate fires high_value_deviation
	   - Transaction is suspended with a 6-digit verification code

	   FINAL DECISION: HTTP 202 with requiresVerification=true
	*/
	config := getTestConfig()
	seedBaseline(t, config, "user-deviation-001", 8, 1000)

	result := submit(t, config, steadyRequest("user-deviation-001", 9000))

	if !result.RequiresVerification {
		t.Fatalf("Expected step-up challenge, got status=%s score=%d", result.Status, result.Score)
	}

	if result.Status != "VERIFICATION_REQUIRED" {
		t.Errorf("Expected VERIFICATION_REQUIRED, got %s", result.Status)
	}

	if len(result.VerificationCode) != 6 {
		t.Errorf("Expected 6-digit code, got %q", result.VerificationCode)
	}

	hasDeviation := false
	for _, r := range result.FlagReasons {
		if r == "high_value_deviation" {
			hasDeviation = true
		}
	}
	if !hasDeviation {
		t.Errorf("Expected high_value_deviation flag, got %v", result.FlagReasons)
	}

	t.Logf("✓ Step-up issued: txId=%s, flags=%v", result.TxID, result.FlagReasons)
}

// ============================================================================
// SCENARIO 3: Verification Round-Trip
// ============================================================================

func TestVerification_WrongCodeThenCorrect(t *testing.T) {
	/*
	   SCENARIO: A suspended transaction, verified first with a wrong code,
	   then with the correct one.

	   EXPECTED BEHAVIOR:
	   - Wrong code → HTTP 401, the challenge stays open
	   - Correct code → pipeline resumes to a terminal verdict
	   - Replaying the correct code → HTTP 404 (challenge consumed)
	*/
	config := getTestConfig()
	seedBaseline(t, config, "user-verify-001", 8, 1000)

	challenge := submit(t, config, steadyRequest("user-verify-001", 9000))
	if !challenge.RequiresVerification {
		t.Fatalf("Expected step-up challenge, got status=%s", challenge.Status)
	}

	verifyPath := "/transactions/" + challenge.TxID + "/verify"

	// Wrong code
	resp, body := postJSON(t, config, verifyPath, VerifyRequest{
		VerificationCode: "000000",
		Photo:            fakePhoto(),
		Filename:         "selfie.jpg",
	}, true)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for wrong code, got %d: %s", resp.StatusCode, string(body))
	}

	// Correct code
	resp, body = postJSON(t, config, verifyPath, VerifyRequest{
		VerificationCode: challenge.VerificationCode,
		Photo:            fakePhoto(),
		Filename:         "selfie.jpg",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for correct code, got %d: %s", resp.StatusCode, string(body))
	}

	var result SubmitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal verify response: %v", err)
	}
	if result.Status == "VERIFICATION_REQUIRED" {
		t.Errorf("Expected terminal status after verification, got %s", result.Status)
	}

	// Replay
	resp, _ = postJSON(t, config, verifyPath, VerifyRequest{
		VerificationCode: challenge.VerificationCode,
		Photo:            fakePhoto(),
	}, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 on replay, got %d", resp.StatusCode)
	}

	t.Logf("✓ Verification round-trip: final status=%s, score=%d", result.Status, result.Score)
}

// ============================================================================
// SCENARIO 4: First-Time User
// ============================================================================

func TestFirstTimeUser_NoBaselinePenalty(t *testing.T) {
	/*
	   SCENARIO: A modest purchase from a user with no history at all

	   EXPECTED BEHAVIOR:
	   - No baseline exists, so the deviation rule cannot fire
	   - A small daytime domestic purchase passes the gate

	   WHY THIS TEST:
	   A missing profile must be treated as "unknown", not "suspicious".
	*/
	config := getTestConfig()

	result := submit(t, config, steadyRequest(fmt.Sprintf("user-fresh-%d", time.Now().UnixNano()), 150))

	if result.RequiresVerification {
		t.Errorf("Expected no step-up for first-time small purchase, flags: %v", result.FlagReasons)
	}

	t.Logf("✓ First-time user: status=%s, score=%d", result.Status, result.Score)
}

// ============================================================================
// SCENARIO 5: Input Validation
// ============================================================================

func TestMissingUserID_Error(t *testing.T) {
	/*
	   SCENARIO: Request missing the required userId field

	   EXPECTED: HTTP 400 Bad Request
	*/
	config := getTestConfig()

	req := steadyRequest("", 100)
	resp, _ := postJSON(t, config, "/transactions", req, true)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing userId, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing userId → HTTP %d", resp.StatusCode)
}

func TestZeroAmount_Error(t *testing.T) {
	/*
	   SCENARIO: Request with zero amount

	   EXPECTED: HTTP 400 Bad Request (amount must be positive)
	*/
	config := getTestConfig()

	resp, _ := postJSON(t, config, "/transactions", steadyRequest("user-zero-001", 0), true)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero amount, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: zero amount → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header

	   EXPECTED: HTTP 400 Bad Request. Tenant ID is validated as a required
	   field, not as auth.
	*/
	config := getTestConfig()

	resp, _ := postJSON(t, config, "/transactions", steadyRequest("user-001", 100), false)

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 6: Retrieval Endpoints
// ============================================================================

func TestTransactionRetrieval(t *testing.T) {
	/*
	   SCENARIO: A processed transaction can be fetched back by ID,
	   and unknown IDs return 404.
	*/
	config := getTestConfig()

	result := submit(t, config, steadyRequest("user-fetch-001", 120))
	if result.TxID == "" {
		t.Fatal("Missing txId in submit response")
	}

	client := &http.Client{Timeout: 10 * time.Second}

	get := func(path string) int {
		httpReq, _ := http.NewRequest("GET", config.BaseURL+path, nil)
		httpReq.Header.Set("X-Tenant-ID", config.TenantID)
		resp, err := client.Do(httpReq)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	if code := get("/transactions/" + result.TxID); code != http.StatusOK {
		t.Errorf("GET stored transaction: expected 200, got %d", code)
	}

	if code := get("/transactions/no-such-id"); code != http.StatusNotFound {
		t.Errorf("GET unknown transaction: expected 404, got %d", code)
	}

	if code := get("/cases/no-such-case"); code != http.StatusNotFound {
		t.Errorf("GET unknown case: expected 404, got %d", code)
	}

	t.Logf("✓ Retrieval endpoints verified for txId=%s", result.TxID)
}
