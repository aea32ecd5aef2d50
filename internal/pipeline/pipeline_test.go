package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/bus"
	"github.com/opensource-finance/fraudguard/internal/cache"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/risk"
)

// memRepo is an in-memory Repository covering the methods the pipeline
// exercises.
type memRepo struct {
	domain.Repository

	mu          sync.Mutex
	history     map[string][]*domain.HistoryRecord
	profiles    map[string]*domain.UserProfile
	pending     map[string]*domain.PendingTransaction
	txs         map[string]*domain.Transaction
	fraudFlags  map[string]int
	assessments map[string]*domain.RiskAssessment
	cases       map[string]*domain.FraudCase
	bundles     map[string][]byte
	photos      map[string][]byte
	pendingGets int

	historyErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		history:     map[string][]*domain.HistoryRecord{},
		profiles:    map[string]*domain.UserProfile{},
		pending:     map[string]*domain.PendingTransaction{},
		txs:         map[string]*domain.Transaction{},
		fraudFlags:  map[string]int{},
		assessments: map[string]*domain.RiskAssessment{},
		cases:       map[string]*domain.FraudCase{},
		bundles:     map[string][]byte{},
		photos:      map[string][]byte{},
	}
}

func (m *memRepo) GetUserProfile(_ context.Context, _, userID string) (*domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetUserHistory(_ context.Context, _, userID string, _ int) ([]*domain.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	return m.history[userID], nil
}

func (m *memRepo) SavePending(_ context.Context, _ string, p *domain.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Transaction.ID] = p
	return nil
}

func (m *memRepo) GetPending(_ context.Context, _, txID string) (*domain.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingGets++
	if p, ok := m.pending[txID]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) DeletePending(_ context.Context, _, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, txID)
	return nil
}

func (m *memRepo) SavePhoto(_ context.Context, _, txID string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "photos/" + txID
	m.photos[ref] = data
	return ref, nil
}

func (m *memRepo) SaveTransaction(_ context.Context, _ string, tx *domain.Transaction, fraudFlag int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ID] = tx
	m.fraudFlags[tx.ID] = fraudFlag
	return nil
}

func (m *memRepo) SaveAssessment(_ context.Context, _ string, a *domain.RiskAssessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments[a.TxID] = a
	return nil
}

func (m *memRepo) CreateCase(_ context.Context, _ string, c *domain.FraudCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[c.TxID]; ok {
		return repository.ErrDuplicateCase
	}
	m.cases[c.TxID] = c
	return nil
}

func (m *memRepo) GetCaseByTransaction(_ context.Context, _, txID string) (*domain.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cases[txID]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) CaseIDExists(context.Context, string, string) (bool, error) { return false, nil }

func (m *memRepo) SaveEvidenceBundle(_ context.Context, _, caseID string, bundle []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "evidence/" + caseID
	m.bundles[ref] = bundle
	return ref, nil
}

type fixedClassifier struct {
	probability float64
	err         error
}

func (c fixedClassifier) Score(context.Context, *domain.FeatureVector) (float64, error) {
	return c.probability, c.err
}

type stubVerifier struct {
	raw *domain.RawVerification
	err error
}

func (v stubVerifier) Verify(context.Context, string, string, string, float64) (*domain.RawVerification, error) {
	return v.raw, v.err
}

func authenticRaw() *domain.RawVerification {
	raw := &domain.RawVerification{Status: domain.VerificationStatusVerified, CodeValidated: true}
	raw.FaceComparison.Match = true
	raw.FaceComparison.Similarity = 95
	raw.FaceComparison.Confidence = 95
	raw.QualityCheck.IsReal = true
	raw.QualityCheck.Confidence = 90
	raw.QualityCheck.QualityScore = 90
	raw.LivenessCheck.IsLive = true
	raw.LivenessCheck.Confidence = 88
	raw.LivenessCheck.Checks = map[string]bool{"eyes_open": true, "no_sunglasses": true}
	return raw
}

func testPipeline(t *testing.T, repo *memRepo, classifier domain.Classifier, verifier domain.BiometricVerifier) *Pipeline {
	t.Helper()
	p, err := New(Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Classifier: classifier,
		Verifier:   verifier,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.randInt = func(int) int { return 234 } // code 100234
	return p
}

// steadyHistory gives a user an established baseline: n transactions of the
// given amount on a known device and location, spread over past weeks.
func steadyHistory(n int, amount float64) []*domain.HistoryRecord {
	records := make([]*domain.HistoryRecord, n)
	base := time.Now().UTC().Add(-30 * 24 * time.Hour)
	for i := range records {
		records[i] = &domain.HistoryRecord{
			Amount:           amount,
			Type:             "Purchase",
			MerchantCategory: "Retail",
			DeviceType:       "Desktop",
			Location:         "Domestic",
			Timestamp:        base.Add(time.Duration(i) * 24 * time.Hour).Format(time.RFC3339),
		}
	}
	return records
}

func submitReq(amount float64) *domain.TransactionRequest {
	return &domain.TransactionRequest{
		UserID:           "user-1",
		Amount:           amount,
		Type:             "Purchase",
		MerchantCategory: "Retail",
		CardType:         "Credit",
		DeviceType:       "Desktop",
		Location:         "Domestic",
		AuthMethod:       "Biometric",
	}
}

func TestSubmitLowRiskApproved(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, nil)

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(200))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if res.RequiresVerification {
		t.Error("RequiresVerification = true, want false for clean transaction")
	}
	if res.Status != domain.StatusApproved {
		t.Errorf("Status = %s, want APPROVED", res.Status)
	}
	if res.Score >= 50 {
		t.Errorf("Score = %d, want <50", res.Score)
	}
	if _, ok := repo.assessments[res.TxID]; !ok {
		t.Error("assessment not persisted")
	}
	if repo.fraudFlags[res.TxID] != 0 {
		t.Errorf("fraud flag = %d, want 0", repo.fraudFlags[res.TxID])
	}
}

func TestSubmitHighValueDeviationSuspends(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, nil)

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !res.RequiresVerification {
		t.Fatal("RequiresVerification = false, want true for 9x deviation above floor")
	}
	if res.Status != domain.StatusVerificationRequired {
		t.Errorf("Status = %s, want VERIFICATION_REQUIRED", res.Status)
	}
	found := false
	for _, r := range res.FlagReasons {
		if r == "high_value_deviation" {
			found = true
		}
	}
	if !found {
		t.Errorf("FlagReasons = %v, want high_value_deviation", res.FlagReasons)
	}
	if len(res.VerificationCode) != 6 {
		t.Errorf("VerificationCode = %q, want 6 digits", res.VerificationCode)
	}
	if _, ok := repo.pending[res.TxID]; !ok {
		t.Error("pending record not persisted")
	}
	if _, ok := repo.assessments[res.TxID]; ok {
		t.Error("assessment persisted before verification, want suspended pipeline")
	}
}

func TestVerifyWrongCodeRejected(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, stubVerifier{raw: authenticRaw()})

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = p.Verify(context.Background(), "tenant-1", res.TxID, "000000", []byte("img"), "selfie.jpg")
	if !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("Verify() error = %v, want ErrCodeMismatch", err)
	}
	if _, ok := repo.pending[res.TxID]; !ok {
		t.Error("pending record consumed on mismatch, want retained")
	}
	if _, ok := repo.assessments[res.TxID]; ok {
		t.Error("pipeline ran despite code mismatch")
	}
}

func TestSuspendPublishesFlaggedEvent(t *testing.T) {
	repo := newMemRepo()
	channelBus := bus.NewChannelBus(10)
	defer channelBus.Close()

	got := make(chan *domain.Message, 1)
	_, err := channelBus.Subscribe(context.Background(), "tenant-1", domain.TopicTransactionFlagged, func(_ context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	p, err := New(Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Bus:        channelBus,
		Classifier: fixedClassifier{probability: 0.1},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.randInt = func(int) int { return 234 }

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.RequiresVerification {
		t.Fatal("RequiresVerification = false, want step-up")
	}

	select {
	case msg := <-got:
		var ev domain.FlaggedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("decoding flagged event: %v", err)
		}
		if ev.TxID != res.TxID {
			t.Errorf("TxID = %s, want %s", ev.TxID, res.TxID)
		}
		if ev.UserID != "user-1" || ev.Amount != 9000 {
			t.Errorf("event = %+v, want user-1 at 9000", ev)
		}
		if len(ev.Reasons) == 0 {
			t.Error("Reasons empty, want gate reasons carried on the event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no flagged event published")
	}
}

func TestVerifyCachedCodeMismatchSkipsStorage(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)

	p, err := New(Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Cache:      cache.NewLRUCache(100),
		Classifier: fixedClassifier{probability: 0.1},
		Verifier:   stubVerifier{raw: authenticRaw()},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.randInt = func(int) int { return 234 }

	submitted, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	repo.mu.Lock()
	before := repo.pendingGets
	repo.mu.Unlock()

	_, err = p.Verify(context.Background(), "tenant-1", submitted.TxID, "000000", []byte("img"), "selfie.jpg")
	if !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("Verify() error = %v, want ErrCodeMismatch", err)
	}

	repo.mu.Lock()
	reads := repo.pendingGets - before
	repo.mu.Unlock()
	if reads != 0 {
		t.Errorf("pending record read %d times, want 0 for a cached mismatch", reads)
	}

	// The correct code still resumes through the stored record.
	res, err := p.Verify(context.Background(), "tenant-1", submitted.TxID, submitted.VerificationCode, []byte("img"), "selfie.jpg")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Status == domain.StatusVerificationRequired {
		t.Errorf("Status = %s, want terminal state", res.Status)
	}
}

func TestVerifyUnknownTransaction(t *testing.T) {
	p := testPipeline(t, newMemRepo(), fixedClassifier{probability: 0.1}, nil)
	_, err := p.Verify(context.Background(), "tenant-1", "missing", "100234", []byte("img"), "selfie.jpg")
	if !errors.Is(err, ErrPendingNotFound) {
		t.Fatalf("Verify() error = %v, want ErrPendingNotFound", err)
	}
}

func TestVerifyAuthenticCompletesPipeline(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, stubVerifier{raw: authenticRaw()})

	submitted, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := p.Verify(context.Background(), "tenant-1", submitted.TxID, submitted.VerificationCode, []byte("img"), "selfie.jpg")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if res.Verification == nil || !res.Verification.Authentic {
		t.Fatal("Verification missing or inauthentic, want authentic pass-through")
	}
	if res.Status == domain.StatusVerificationRequired {
		t.Errorf("Status = %s, want terminal state", res.Status)
	}
	if _, ok := repo.pending[submitted.TxID]; ok {
		t.Error("pending record not consumed after completed run")
	}
	if _, ok := repo.photos["photos/"+submitted.TxID]; !ok {
		t.Error("photo not stored")
	}
}

func TestVerifyProviderSilentOnCodeNotPenalized(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)

	// A provider that never echoes code_validated must not flip an honest
	// step-up into REVIEW: the code was already matched before the verifier
	// ran.
	raw := authenticRaw()
	raw.CodeValidated = false
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, stubVerifier{raw: raw})

	submitted, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := p.Verify(context.Background(), "tenant-1", submitted.TxID, submitted.VerificationCode, []byte("img"), "selfie.jpg")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if res.Verification == nil || !res.Verification.CodeValidated {
		t.Fatal("CodeValidated = false after an exact code match")
	}
	for _, adj := range res.Assessment.Adjustments {
		if adj.Reason == risk.ReasonLivenessCode {
			t.Errorf("Adjustments contain %q, want no code penalty for a matched code", adj.Reason)
		}
	}
}

func TestVerifyInauthenticHardBlocks(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)

	raw := authenticRaw()
	raw.QualityCheck.IsReal = false // deepfake
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, stubVerifier{raw: raw})

	submitted, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := p.Verify(context.Background(), "tenant-1", submitted.TxID, submitted.VerificationCode, []byte("img"), "selfie.jpg")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if res.Status != domain.StatusBlocked {
		t.Errorf("Status = %s, want BLOCKED short-circuit", res.Status)
	}
	if res.Score != 100 {
		t.Errorf("Score = %d, want exactly 100", res.Score)
	}
	if len(res.Assessment.Adjustments) != 0 {
		t.Errorf("Adjustments = %v, want none (hard override, not adjustment)", res.Assessment.Adjustments)
	}
	if res.CaseID == "" {
		t.Error("CaseID empty, want escalation at score 100")
	}
	if repo.fraudFlags[submitted.TxID] != 1 {
		t.Errorf("fraud flag = %d, want 1", repo.fraudFlags[submitted.TxID])
	}
}

func TestSubmitEscalatesAtThreshold(t *testing.T) {
	repo := newMemRepo()
	// Established baseline of $300: a $1,800 purchase is >5x (amount anomaly)
	// but under every gate floor, so the pipeline runs straight through.
	repo.history["user-1"] = steadyHistory(10, 300)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.60}, nil)

	req := submitReq(1800)
	req.DeviceType = "Tablet" // new device pattern, +10
	res, err := p.Submit(context.Background(), "tenant-1", req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Base 60 + amount anomaly 15 + new device 10 = 85.
	if res.Score != 85 {
		t.Fatalf("Score = %d, want 85", res.Score)
	}
	if res.Status != domain.StatusBlocked {
		t.Errorf("Status = %s, want BLOCKED at threshold", res.Status)
	}
	if res.CaseID == "" {
		t.Fatal("CaseID empty, want escalation at score >= 70")
	}
	c, ok := repo.cases[res.TxID]
	if !ok {
		t.Fatal("case record not created")
	}
	if !strings.HasPrefix(c.CaseID, "FA-") {
		t.Errorf("CaseID = %q, want FA- prefix", c.CaseID)
	}
	if c.EvidenceRef == "" {
		t.Error("EvidenceRef empty, want persisted bundle")
	}
	if _, ok := repo.bundles[c.EvidenceRef]; !ok {
		t.Error("evidence bundle missing")
	}
}

func TestSubmitClassifierFailureDegrades(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{err: errors.New("inference down")}, nil)

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(200))
	if err != nil {
		t.Fatalf("Submit() error = %v, want degraded continuation", err)
	}
	if res.Status != domain.StatusApproved {
		t.Errorf("Status = %s, want APPROVED with zero base score", res.Status)
	}
	found := false
	for _, ae := range res.Assessment.Errors {
		if ae.Agent == agentClassifier {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want structured classifier error", res.Assessment.Errors)
	}
}

func TestVerifyBiometricServiceDownDegrades(t *testing.T) {
	repo := newMemRepo()
	repo.history["user-1"] = steadyHistory(10, 1000)
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, stubVerifier{err: errors.New("service unreachable")})

	submitted, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	res, err := p.Verify(context.Background(), "tenant-1", submitted.TxID, submitted.VerificationCode, []byte("img"), "selfie.jpg")
	if err != nil {
		t.Fatalf("Verify() error = %v, want degraded continuation", err)
	}

	// No verification result means "not checked", not "failed": no hard
	// block and no biometric adjustments.
	if res.Status == domain.StatusBlocked && res.Score == 100 {
		t.Error("hard block applied for unreachable verifier, want degraded mode")
	}
	if res.Verification != nil {
		t.Errorf("Verification = %+v, want nil", res.Verification)
	}
	found := false
	for _, ae := range res.Assessment.Errors {
		if ae.Agent == agentBiometric {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want structured biometric error", res.Assessment.Errors)
	}
}

func TestSubmitValidation(t *testing.T) {
	p := testPipeline(t, newMemRepo(), fixedClassifier{}, nil)

	tests := []struct {
		name   string
		mutate func(*domain.TransactionRequest)
	}{
		{"missing user", func(r *domain.TransactionRequest) { r.UserID = "" }},
		{"missing type", func(r *domain.TransactionRequest) { r.Type = "" }},
		{"missing merchant", func(r *domain.TransactionRequest) { r.MerchantCategory = "" }},
		{"missing card type", func(r *domain.TransactionRequest) { r.CardType = "" }},
		{"zero amount", func(r *domain.TransactionRequest) { r.Amount = 0 }},
		{"negative amount", func(r *domain.TransactionRequest) { r.Amount = -5 }},
		{"amount above limit", func(r *domain.TransactionRequest) { r.Amount = 2_000_000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := submitReq(100)
			tt.mutate(req)
			_, err := p.Submit(context.Background(), "tenant-1", req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Submit() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestSubmitFirstTimeUser(t *testing.T) {
	repo := newMemRepo()
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, nil)

	res, err := p.Submit(context.Background(), "tenant-1", submitReq(200))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Status != domain.StatusApproved {
		t.Errorf("Status = %s, want APPROVED for first-time user with small amount", res.Status)
	}
}

func TestSubmitFirstTimeUserHighAmountSuspends(t *testing.T) {
	repo := newMemRepo()
	p := testPipeline(t, repo, fixedClassifier{probability: 0.1}, nil)

	// No history at all: the deviation rule falls back to the default
	// average and the device is unknown by definition.
	res, err := p.Submit(context.Background(), "tenant-1", submitReq(9000))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.RequiresVerification {
		t.Fatalf("RequiresVerification = false, want step-up for first-time user at 9000")
	}
	for _, want := range []string{"high_value_deviation", "new_device_high_amount"} {
		found := false
		for _, r := range res.FlagReasons {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("FlagReasons = %v, missing %s", res.FlagReasons, want)
		}
	}
}
