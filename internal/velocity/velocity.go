// Package velocity provides per-user transaction velocity counting.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Service tracks how many transactions a user has submitted inside a rolling
// window. Live counts come from cache counters; exact counts come from the
// repository.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Record increments the live counter for a user and returns the count seen
// in the current window. Counter windows reset on expiry, so the value is
// approximate near window boundaries.
func (s *Service) Record(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	if tenantID == "" || userID == "" {
		return 0, fmt.Errorf("tenantID and userID are required")
	}
	if s.cache == nil {
		return 0, fmt.Errorf("no cache configured")
	}
	return s.cache.IncrementCounter(ctx, tenantID, "velocity:user:"+userID, window)
}

// Count returns the exact number of stored transactions for a user within
// the window, from the repository.
func (s *Service) Count(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	if tenantID == "" || userID == "" {
		return 0, fmt.Errorf("tenantID and userID are required")
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no repository configured")
	}
	since := time.Now().UTC().Add(-window)
	return s.repo.CountUserTransactionsSince(ctx, tenantID, userID, since)
}
