package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/bus"
	"github.com/opensource-finance/fraudguard/internal/cache"
	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/pipeline"
	"github.com/opensource-finance/fraudguard/internal/repository"
	"github.com/opensource-finance/fraudguard/internal/velocity"
)

// workerRepo covers the repository surface a clean approval flow touches.
type workerRepo struct {
	domain.Repository

	mu          sync.Mutex
	assessments []*domain.RiskAssessment
	countCalls  int
	storedCount int64
}

func (r *workerRepo) GetUserProfile(context.Context, string, string) (*domain.UserProfile, error) {
	return nil, repository.ErrNotFound
}

func (r *workerRepo) GetUserHistory(context.Context, string, string, int) ([]*domain.HistoryRecord, error) {
	return nil, nil
}

func (r *workerRepo) SaveTransaction(context.Context, string, *domain.Transaction, int) error {
	return nil
}

func (r *workerRepo) SaveAssessment(_ context.Context, _ string, a *domain.RiskAssessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessments = append(r.assessments, a)
	return nil
}

func (r *workerRepo) CountUserTransactionsSince(context.Context, string, string, time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countCalls++
	return r.storedCount, nil
}

func (r *workerRepo) assessmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assessments)
}

func (r *workerRepo) exactCountCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countCalls
}

type lowRiskClassifier struct{}

func (lowRiskClassifier) Score(context.Context, *domain.FeatureVector) (float64, error) {
	return 0.05, nil
}

func TestWorkerProcessesIngestedSubmission(t *testing.T) {
	repo := &workerRepo{}
	channelBus := bus.NewChannelBus(10)
	defer channelBus.Close()

	p, err := pipeline.New(pipeline.Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Bus:        channelBus,
		Classifier: lowRiskClassifier{},
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	vel := velocity.NewService(repo, cache.NewLRUCache(100))

	w := NewWorker(channelBus, p, vel, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-1"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Fatalf("SubscriptionCount = %d, want 1", stats.SubscriptionCount)
	}
	if stats.Topics[0] != domain.TopicTransactionIngest {
		t.Errorf("subscribed topic = %s, want %s", stats.Topics[0], domain.TopicTransactionIngest)
	}

	req := &domain.TransactionRequest{
		UserID:           "user-1",
		Amount:           150,
		Type:             "Purchase",
		MerchantCategory: "Retail",
		CardType:         "Credit",
	}
	payload, _ := json.Marshal(req)

	ctx := context.Background()
	if err := channelBus.Publish(ctx, "tenant-1", domain.TopicTransactionIngest, payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for repo.assessmentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("submission was not processed within deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	repo.mu.Lock()
	status := repo.assessments[0].Status
	repo.mu.Unlock()
	if status != domain.StatusApproved {
		t.Errorf("Status = %s, want APPROVED", status)
	}
}

func TestWorkerConfirmsVelocitySpikeAgainstStorage(t *testing.T) {
	repo := &workerRepo{storedCount: 5}
	channelBus := bus.NewChannelBus(10)
	defer channelBus.Close()

	p, err := pipeline.New(pipeline.Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Classifier: lowRiskClassifier{},
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	vel := velocity.NewService(repo, cache.NewLRUCache(100))

	w := NewWorker(channelBus, p, vel, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-1"}, VelocityThreshold: 1}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	req := &domain.TransactionRequest{
		UserID:           "user-1",
		Amount:           150,
		Type:             "Purchase",
		MerchantCategory: "Retail",
		CardType:         "Credit",
	}
	payload, _ := json.Marshal(req)

	ctx := context.Background()
	// The second submission pushes the live counter past the threshold, which
	// must trigger an exact recount from storage.
	for i := 0; i < 2; i++ {
		if err := channelBus.Publish(ctx, "tenant-1", domain.TopicTransactionIngest, payload); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for repo.assessmentCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("submissions were not processed within deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if repo.exactCountCalls() == 0 {
		t.Error("exact count never consulted after the live counter crossed the threshold")
	}
}

func TestWorkerIgnoresMalformedPayload(t *testing.T) {
	repo := &workerRepo{}
	channelBus := bus.NewChannelBus(10)
	defer channelBus.Close()

	p, err := pipeline.New(pipeline.Options{
		Config:     domain.DefaultConfig(),
		Repo:       repo,
		Classifier: lowRiskClassifier{},
	})
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}

	w := NewWorker(channelBus, p, nil, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-1"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	ctx := context.Background()
	_ = channelBus.Publish(ctx, "tenant-1", domain.TopicTransactionIngest, []byte("not json"))

	// Give the handler time to run; nothing should have been persisted.
	time.Sleep(100 * time.Millisecond)
	if repo.assessmentCount() != 0 {
		t.Errorf("assessments = %d, want 0 for malformed payload", repo.assessmentCount())
	}
}
