// Package pipeline drives the fraud evaluation state machine: submission,
// gating, optional step-up verification, the parallel evidence and biometric
// phase, risk synthesis and escalation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/escalate"
	"github.com/opensource-finance/fraudguard/internal/evidence"
	"github.com/opensource-finance/fraudguard/internal/features"
	"github.com/opensource-finance/fraudguard/internal/gate"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/risk"
	"github.com/opensource-finance/fraudguard/internal/verify"
)

var (
	// ErrCodeMismatch is returned when the submitted verification code does
	// not exactly match the issued one. The pipeline is not invoked.
	ErrCodeMismatch = errors.New("verification code mismatch")

	// ErrPendingNotFound is returned when no suspended transaction exists
	// for the given identifier.
	ErrPendingNotFound = errors.New("no pending verification for transaction")
)

// ValidationError reports an invalid submission field. The pipeline never
// starts for invalid input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Agent names used in degraded-mode error records.
const (
	agentClassifier = "fraud_classifier"
	agentEvidence   = "evidence_collector"
	agentBiometric  = "biometric_verifier"
	agentEscalation = "escalation_manager"
)

// Options wires a Pipeline.
type Options struct {
	Config     *domain.Config
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Classifier domain.Classifier
	Verifier   domain.BiometricVerifier
	TextGen    domain.TextGenerator
	Alerter    domain.Alerter
	Logger     *slog.Logger
}

// Pipeline orchestrates one evaluation flow per transaction. Safe for
// concurrent use; no state is shared across transactions beyond the store.
type Pipeline struct {
	cfg        *domain.Config
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	builder    *features.Builder
	classifier domain.Classifier
	gate       *gate.Gate
	collector  *evidence.Collector
	verifier   domain.BiometricVerifier
	textgen    domain.TextGenerator
	synth      *risk.Synthesizer
	escalator  *escalate.Manager
	logger     *slog.Logger
	tracer     trace.Tracer

	// Swappable in tests.
	randInt func(n int) int
}

// New builds the pipeline from its collaborators. Gate rule compilation
// errors surface here, at startup.
func New(opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	g, err := gate.New(opts.Config.Gate)
	if err != nil {
		return nil, fmt.Errorf("building suspicion gate: %w", err)
	}

	return &Pipeline{
		cfg:        opts.Config,
		repo:       opts.Repo,
		cache:      opts.Cache,
		bus:        opts.Bus,
		builder:    features.NewBuilder(opts.Config.Gate.UnusualHours),
		classifier: opts.Classifier,
		gate:       g,
		collector:  evidence.NewCollector(opts.Repo, opts.TextGen, opts.Config.Evidence, opts.Logger),
		verifier:   opts.Verifier,
		textgen:    opts.TextGen,
		synth:      risk.NewSynthesizer(opts.Config.Risk, opts.Config.Collaborators.SimilarityThreshold, opts.TextGen, opts.Logger),
		escalator:  escalate.NewManager(opts.Repo, opts.TextGen, opts.Alerter, opts.Config.Escalation, opts.Logger),
		logger:     opts.Logger,
		tracer:     otel.Tracer("fraudguard/pipeline"),
		randInt:    rand.Intn,
	}, nil
}

// Result is the outcome of a submission or verification call.
type Result struct {
	TxID   string        `json:"txId"`
	Status domain.Status `json:"status"`
	Score  int           `json:"score"`

	// Step-up fields, set when status is VERIFICATION_REQUIRED.
	RequiresVerification bool     `json:"requiresVerification,omitempty"`
	VerificationCode     string   `json:"verificationCode,omitempty"`
	FlagReasons          []string `json:"flagReasons,omitempty"`

	Assessment   *domain.RiskAssessment     `json:"assessment,omitempty"`
	Verification *domain.VerificationResult `json:"verification,omitempty"`
	CaseID       string                     `json:"caseId,omitempty"`
}

// Submit validates and evaluates a new transaction. It returns either a
// final verdict or a verification challenge.
func (p *Pipeline) Submit(ctx context.Context, tenantID string, req *domain.TransactionRequest) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.submit")
	defer span.End()

	if err := p.validate(req); err != nil {
		return nil, err
	}

	tx := req.ToTransaction(tenantID, uuid.New().String())
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.Float64("tx.amount", tx.Amount),
	)

	p.publish(ctx, tenantID, domain.TopicTransactionSubmitted, tx)

	var agentErrs []domain.AgentError

	profile := p.loadProfile(ctx, tx)

	history, err := p.repo.GetUserHistory(ctx, tenantID, tx.UserID, p.cfg.Evidence.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching user history for %s: %w", tx.ID, err)
	}
	baseline := domain.BuildBaseline(tx.UserID, history)

	vector, err := p.builder.Build(tx, profile, baseline)
	if err != nil {
		return nil, fmt.Errorf("building features for %s: %w", tx.ID, err)
	}

	probability, err := p.classifier.Score(ctx, vector)
	if err != nil {
		p.logger.Warn("classifier unavailable, continuing degraded", "tx_id", tx.ID, "error", err)
		agentErrs = append(agentErrs, domain.AgentError{Agent: agentClassifier, Err: err.Error()})
		probability = 0
	}
	baseScore := int(math.Round(probability * 100))

	decision := p.gate.Evaluate(tx, probability, baseline)
	if decision.RequiresVerification {
		return p.suspend(ctx, tx, baseScore, decision)
	}

	return p.finish(ctx, tx, baseScore, "", "", agentErrs)
}

// Verify resumes a suspended transaction with the submitted code and photo.
// The code must exactly match the one issued at submission.
func (p *Pipeline) Verify(ctx context.Context, tenantID, txID, code string, photo []byte, filename string) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.verify")
	defer span.End()
	span.SetAttributes(attribute.String("tx.id", txID))

	// Cached-code fast path: a mismatch against the cached code is rejected
	// without a storage read. A cache miss or a match still goes through the
	// pending record, which stays authoritative.
	if p.cache != nil {
		if cached, err := p.cache.GetPendingCode(ctx, tenantID, txID); err == nil && cached != "" && cached != code {
			return nil, ErrCodeMismatch
		}
	}

	pending, err := p.repo.GetPending(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("loading pending transaction %s: %w", txID, err)
	}

	if pending.VerificationCode != code {
		return nil, ErrCodeMismatch
	}

	photoRef, err := p.repo.SavePhoto(ctx, tenantID, txID, photo, filename)
	if err != nil {
		return nil, fmt.Errorf("storing verification photo for %s: %w", txID, err)
	}

	result, err := p.finish(ctx, pending.Transaction, pending.BaseScore, photoRef, code, nil)
	if err != nil {
		return nil, err
	}

	// The pending record is consumed only after a completed run, so a failed
	// attempt can be retried with the same code.
	// The cached code expires on its own TTL.
	if err := p.repo.DeletePending(ctx, tenantID, txID); err != nil {
		p.logger.Error("failed to delete pending transaction", "tx_id", txID, "error", err)
	}

	return result, nil
}

// suspend persists the transaction with a fresh verification code and halts
// the state machine until the verify call arrives. No internal timeout.
func (p *Pipeline) suspend(ctx context.Context, tx *domain.Transaction, baseScore int, decision *gate.Decision) (*Result, error) {
	code := fmt.Sprintf("%06d", 100000+p.randInt(900000))

	pending := &domain.PendingTransaction{
		Transaction:      tx,
		VerificationCode: code,
		FlagReasons:      decision.Reasons,
		BaseScore:        baseScore,
		CreatedAt:        time.Now().UTC(),
	}
	if err := p.repo.SavePending(ctx, tx.TenantID, pending); err != nil {
		return nil, fmt.Errorf("suspending transaction %s: %w", tx.ID, err)
	}

	if p.cache != nil {
		if err := p.cache.SetPendingCode(ctx, tx.TenantID, tx.ID, code, p.cfg.Cache.LocalTTL); err != nil {
			p.logger.Debug("failed to cache verification code", "tx_id", tx.ID, "error", err)
		}
	}

	p.publish(ctx, tx.TenantID, domain.TopicTransactionFlagged, &domain.FlaggedEvent{
		TxID:    tx.ID,
		UserID:  tx.UserID,
		Amount:  tx.Amount,
		Reasons: decision.Reasons,
	})

	p.logger.Info("transaction suspended pending verification",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"reasons", decision.Reasons,
	)

	return &Result{
		TxID:                 tx.ID,
		Status:               domain.StatusVerificationRequired,
		Score:                baseScore,
		RequiresVerification: true,
		VerificationCode:     code,
		FlagReasons:          decision.Reasons,
	}, nil
}

// finish runs the parallel evidence and biometric phase, then synthesis,
// escalation and persistence. photoRef and code are empty when no step-up
// ran; a non-empty code has already been matched against the issued one.
func (p *Pipeline) finish(ctx context.Context, tx *domain.Transaction, baseScore int, photoRef, code string, agentErrs []domain.AgentError) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.evaluate")
	defer span.End()

	start := time.Now()

	pkg, verification, phaseErrs := p.parallelPhase(ctx, tx, photoRef, code)
	agentErrs = append(agentErrs, phaseErrs...)

	var assessment *domain.RiskAssessment
	if verification != nil && !verification.Authentic {
		// Hard override: a failed biometric check is always BLOCKED at 100,
		// not a large adjustment. Evidence is kept for the case record but
		// does not feed scoring.
		assessment = p.blockedAssessment(tx, baseScore, verification, agentErrs)
	} else {
		assessment = p.synth.Synthesize(ctx, &risk.Input{
			Transaction:  tx,
			BaseScore:    baseScore,
			Evidence:     pkg,
			Verification: verification,
			Errors:       agentErrs,
		})
	}

	assessment.Explanation = p.explain(ctx, tx, assessment)

	var caseID string
	if assessment.Score >= p.cfg.Escalation.Threshold {
		fraudCase, err := p.escalator.Escalate(ctx, tx, assessment, pkg)
		if err != nil {
			p.logger.Error("escalation failed", "tx_id", tx.ID, "error", err)
			assessment.Errors = append(assessment.Errors, domain.AgentError{Agent: agentEscalation, Err: err.Error()})
		} else {
			caseID = fraudCase.CaseID
			p.publish(ctx, tx.TenantID, domain.TopicCaseCreated, fraudCase)
		}
	}

	p.persist(ctx, tx, assessment)
	p.publish(ctx, tx.TenantID, domain.TopicDecision, assessment)

	p.logger.Info("transaction evaluated",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"status", assessment.Status,
		"score", assessment.Score,
		"case_id", caseID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		TxID:         tx.ID,
		Status:       assessment.Status,
		Score:        assessment.Score,
		Assessment:   assessment,
		Verification: verification,
		CaseID:       caseID,
	}, nil
}

// parallelPhase runs evidence collection and biometric verification
// concurrently with a join-all barrier. A failure in one never blocks the
// other; failures surface as structured per-agent errors.
func (p *Pipeline) parallelPhase(ctx context.Context, tx *domain.Transaction, photoRef, code string) (*domain.EvidencePackage, *domain.VerificationResult, []domain.AgentError) {
	var (
		wg           sync.WaitGroup
		pkg          *domain.EvidencePackage
		verification *domain.VerificationResult

		mu        sync.Mutex
		agentErrs []domain.AgentError
	)

	fail := func(agent string, err error) {
		mu.Lock()
		agentErrs = append(agentErrs, domain.AgentError{Agent: agent, Err: err.Error()})
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		pkg, err = p.collector.Collect(ctx, tx)
		if err != nil {
			p.logger.Warn("evidence collection failed, continuing degraded", "tx_id", tx.ID, "error", err)
			fail(agentEvidence, err)
			pkg = &domain.EvidencePackage{
				Baseline: &domain.UserBaseline{UserID: tx.UserID},
				Err:      &domain.AgentError{Agent: agentEvidence, Err: err.Error()},
			}
		}
	}()

	if photoRef != "" && p.verifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := p.verifier.Verify(ctx, tx.UserID, photoRef, code, p.cfg.Collaborators.SimilarityThreshold)
			if err != nil {
				// Treated as "not checked", not "failed": the adjustment
				// table sees no verification result.
				p.logger.Warn("biometric verification unavailable, continuing degraded", "tx_id", tx.ID, "error", err)
				fail(agentBiometric, err)
				return
			}
			verification = verify.Normalize(raw, p.cfg.Collaborators.QualityFloor)
			// The code was already matched against the issued one before the
			// verifier ran. A provider that does not echo code_validated must
			// not turn that silence into a scoring penalty.
			verification.CodeValidated = true
		}()
	}

	wg.Wait()
	return pkg, verification, agentErrs
}

func (p *Pipeline) blockedAssessment(tx *domain.Transaction, baseScore int, verification *domain.VerificationResult, agentErrs []domain.AgentError) *domain.RiskAssessment {
	reasoning := "Biometric verification failed: identity could not be authenticated."
	if len(verification.RiskFactors) > 0 {
		reasoning = fmt.Sprintf("Biometric verification failed: %s.", verification.RiskFactors[0])
	}
	return &domain.RiskAssessment{
		ID:         uuid.New().String(),
		TenantID:   tx.TenantID,
		TxID:       tx.ID,
		BaseScore:  baseScore,
		Score:      100,
		Status:     domain.StatusBlocked,
		Confidence: domain.ConfidenceVeryHigh,
		Reasoning:  reasoning,
		Errors:     agentErrs,
		CreatedAt:  time.Now().UTC(),
	}
}

// explain asks the text generator for a one-paragraph plain-language account
// of the verdict. Free text for human readers, never parsed for control flow.
func (p *Pipeline) explain(ctx context.Context, tx *domain.Transaction, assessment *domain.RiskAssessment) string {
	if p.textgen == nil {
		return ""
	}
	prompt := fmt.Sprintf(
		"Explain in one short paragraph why this transaction received its verdict.\n"+
			"Current transaction: %s %.2f in %s from a %s device\n"+
			"Composite Risk Score: %d\n"+
			"Recommended Status: %s\n",
		tx.Type, tx.Amount, tx.MerchantCategory, tx.DeviceType, assessment.Score, assessment.Status,
	)
	out, err := p.textgen.Generate(ctx, prompt, domain.GenerateOptions{
		MaxTokens: p.cfg.Collaborators.TextGenMaxTokens,
	})
	if err != nil {
		p.logger.Debug("explanation generation failed", "tx_id", tx.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}

func (p *Pipeline) persist(ctx context.Context, tx *domain.Transaction, assessment *domain.RiskAssessment) {
	fraudFlag := 0
	if assessment.Status == domain.StatusBlocked {
		fraudFlag = 1
	}
	if err := p.repo.SaveTransaction(ctx, tx.TenantID, tx, fraudFlag); err != nil {
		p.logger.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
	}
	if err := p.repo.SaveAssessment(ctx, tx.TenantID, assessment); err != nil {
		p.logger.Error("failed to save assessment", "tx_id", tx.ID, "error", err)
	}
}

func (p *Pipeline) loadProfile(ctx context.Context, tx *domain.Transaction) *domain.UserProfile {
	profile, err := p.repo.GetUserProfile(ctx, tx.TenantID, tx.UserID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			p.logger.Warn("profile lookup failed, using defaults", "user_id", tx.UserID, "error", err)
		}
		return nil
	}
	return profile
}

func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, payload any) {
	if p.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to encode event payload", "topic", topic, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, tenantID, topic, data); err != nil {
		p.logger.Error("failed to publish event", "topic", topic, "error", err)
	}
}

func (p *Pipeline) validate(req *domain.TransactionRequest) error {
	switch {
	case req.UserID == "":
		return &ValidationError{Field: "userId", Reason: "required"}
	case req.Type == "":
		return &ValidationError{Field: "type", Reason: "required"}
	case req.MerchantCategory == "":
		return &ValidationError{Field: "merchantCategory", Reason: "required"}
	case req.CardType == "":
		return &ValidationError{Field: "cardType", Reason: "required"}
	case req.Amount <= 0:
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	case req.Amount > p.cfg.Limits.MaxAmount:
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds maximum %0.f", p.cfg.Limits.MaxAmount)}
	}
	return nil
}
