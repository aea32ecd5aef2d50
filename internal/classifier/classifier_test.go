package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/features"
)

func buildVector(t *testing.T, tx *domain.Transaction) *domain.FeatureVector {
	t.Helper()
	b := features.NewBuilder([]int{0, 1, 2, 3, 4, 5, 23})
	v, err := b.Build(tx, nil, domain.BuildBaseline(tx.UserID, nil))
	if err != nil {
		t.Fatalf("building vector: %v", err)
	}
	return v
}

func TestHeuristicScore(t *testing.T) {
	tests := []struct {
		name string
		tx   *domain.Transaction
		want float64
	}{
		{
			name: "low risk purchase",
			tx: &domain.Transaction{
				Amount:     50,
				Type:       "Purchase",
				Location:   "Domestic",
				CardType:   "Credit",
				AuthMethod: "PIN",
				Timestamp:  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
			},
			want: 0.05,
		},
		{
			name: "large withdrawal at 3am",
			tx: &domain.Transaction{
				Amount:     6000,
				Type:       "Withdrawal",
				Location:   "Domestic",
				AuthMethod: "PIN",
				Timestamp:  time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
			},
			want: 0.65, // 0.3 amount + 0.2 hour + 0.15 type
		},
		{
			name: "capped at one",
			tx: &domain.Transaction{
				Amount:           9000,
				Type:             "Transfer",
				MerchantCategory: "Crypto",
				Location:         "International",
				AuthMethod:       "None",
				Timestamp:        time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
			},
			want: 1.0,
		},
	}

	h := NewHeuristic()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Score(context.Background(), buildVector(t, tt.tx))
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPClassifierScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Columns) != len(domain.FeatureColumns) {
			t.Errorf("columns length = %d, want %d", len(req.Columns), len(domain.FeatureColumns))
		}
		if req.Columns[0] != "transaction_amount" {
			t.Errorf("first column = %q, want transaction_amount", req.Columns[0])
		}
		json.NewEncoder(w).Encode(inferenceResponse{Probability: 0.42})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, 5*time.Second)
	tx := &domain.Transaction{Amount: 100, Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	got, err := c.Score(context.Background(), buildVector(t, tx))
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got != 0.42 {
		t.Errorf("Score() = %v, want 0.42", got)
	}
}

func TestHTTPClassifierRejectsOutOfRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(inferenceResponse{Probability: 1.7})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, 5*time.Second)
	tx := &domain.Transaction{Amount: 100, Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	if _, err := c.Score(context.Background(), buildVector(t, tx)); err == nil {
		t.Fatal("Score() expected error for out-of-range probability")
	}
}

type failingClassifier struct{}

func (failingClassifier) Score(context.Context, *domain.FeatureVector) (float64, error) {
	return 0, errors.New("inference down")
}

func TestWithFallback(t *testing.T) {
	var reported error
	c := &WithFallback{
		Primary:  failingClassifier{},
		Fallback: NewHeuristic(),
		OnError:  func(err error) { reported = err },
	}

	tx := &domain.Transaction{
		Amount:     50,
		Type:       "Purchase",
		AuthMethod: "PIN",
		Timestamp:  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	got, err := c.Score(context.Background(), buildVector(t, tx))
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got != 0.05 {
		t.Errorf("Score() = %v, want fallback heuristic 0.05", got)
	}
	if reported == nil {
		t.Error("expected primary error to be reported")
	}
}
