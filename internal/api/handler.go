package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/pipeline"
	"github.com/opensource-finance/fraudguard/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		pipeline: p,
		repo:     repo,
		cache:    cache,
		version:  version,
	}
}

// SubmitTransaction handles POST /transactions.
// Responds with a final verdict, or a verification challenge when the
// suspicion gate fires.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	result, err := h.pipeline.Submit(ctx, tenantID, &req)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": ve.Error(),
			})
			return
		}
		slog.Error("transaction submission failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "transaction evaluation failed",
		})
		return
	}

	status := http.StatusOK
	if result.RequiresVerification {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// VerifyRequest is the request body for POST /transactions/{id}/verify.
type VerifyRequest struct {
	VerificationCode string `json:"verificationCode"`

	// Photo is the base64-encoded verification selfie.
	Photo    string `json:"photo"`
	Filename string `json:"filename,omitempty"`
}

// VerifyTransaction handles POST /transactions/{id}/verify.
// The code must exactly match the one issued at submission.
func (h *Handler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.VerificationCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "verificationCode is required",
		})
		return
	}
	if req.Photo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "photo is required",
		})
		return
	}

	photo, err := base64.StdEncoding.DecodeString(req.Photo)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "photo must be base64 encoded",
		})
		return
	}

	result, err := h.pipeline.Verify(ctx, tenantID, txID, req.VerificationCode, photo, req.Filename)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrPendingNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no pending verification for transaction",
			})
		case errors.Is(err, pipeline.ErrCodeMismatch):
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "verification code mismatch",
			})
		default:
			slog.Error("transaction verification failed", "tx_id", txID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "transaction verification failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	tx, err := h.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "transaction not found",
			})
			return
		}
		slog.Error("failed to get transaction", "id", txID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// GetAssessment retrieves a risk assessment by ID.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	id := chi.URLParam(r, "id")

	assessment, err := h.repo.GetAssessment(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "assessment not found",
			})
			return
		}
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get assessment",
		})
		return
	}

	writeJSON(w, http.StatusOK, assessment)
}

// GetCase retrieves a fraud case by its case ID.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	fraudCase, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "case not found",
			})
			return
		}
		slog.Error("failed to get case", "id", caseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get case",
		})
		return
	}

	writeJSON(w, http.StatusOK, fraudCase)
}

// ProfileRequest is the request body for PUT /users/{id}/profile.
type ProfileRequest struct {
	AccountBalance float64 `json:"accountBalance"`
	CardAgeDays    int     `json:"cardAgeDays"`
	AccountAgeDays int     `json:"accountAgeDays"`
}

// PutUserProfile handles PUT /users/{id}/profile. Seeds the stored profile
// the feature builder reads for fields not derivable from history.
func (h *Handler) PutUserProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	userID := chi.URLParam(r, "id")

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.AccountBalance < 0 || req.CardAgeDays < 0 || req.AccountAgeDays < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "profile fields must be non-negative",
		})
		return
	}

	profile := &domain.UserProfile{
		UserID:         userID,
		AccountBalance: req.AccountBalance,
		CardAgeDays:    req.CardAgeDays,
		AccountAgeDays: req.AccountAgeDays,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.repo.SaveUserProfile(ctx, tenantID, profile); err != nil {
		slog.Error("failed to save user profile", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save user profile",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// GetCaseEvidence handles GET /cases/{id}/evidence and returns the evidence
// bundle archived when the case was escalated.
func (h *Handler) GetCaseEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	caseID := chi.URLParam(r, "id")

	fraudCase, err := h.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "case not found",
			})
			return
		}
		slog.Error("failed to get case", "id", caseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get case",
		})
		return
	}

	if fraudCase.EvidenceRef == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "case has no archived evidence",
		})
		return
	}

	bundle, err := h.repo.GetEvidenceBundle(ctx, tenantID, fraudCase.EvidenceRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "evidence bundle not found",
			})
			return
		}
		slog.Error("failed to get evidence bundle", "case_id", caseID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get evidence bundle",
		})
		return
	}

	// The bundle is stored as the JSON archived at escalation time.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(bundle); err != nil {
		slog.Error("failed to write evidence bundle", "case_id", caseID, "error", err)
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
