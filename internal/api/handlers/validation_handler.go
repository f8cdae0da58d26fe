package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

const (
	maxDictationBytes     = 64 << 10
	idempotencyKeyPrefix  = "validation_idem:"
	defaultIdempotencyTTL = 24 * time.Hour
)

// ValidationService defines the validation operations used by the handler.
type ValidationService interface {
	Validate(ctx context.Context, req *entities.ValidationRequest) (*entities.ValidationOutcome, error)
	History(ctx context.Context, orderID string) ([]*entities.ValidationAttempt, error)
	State(ctx context.Context, orderID string) (entities.ValidationState, error)
}

// ValidationHandler exposes the validation contract for one order.
type ValidationHandler struct {
	service        ValidationService
	cache          providers.CacheProvider
	idempotencyTTL time.Duration
}

// NewValidationHandler creates a new validation handler. cache may be nil,
// which disables Idempotency-Key replay.
func NewValidationHandler(service ValidationService, cache providers.CacheProvider) *ValidationHandler {
	return &ValidationHandler{
		service:        service,
		cache:          cache,
		idempotencyTTL: defaultIdempotencyTTL,
	}
}

type validateRequest struct {
	DictationText         string `json:"dictationText"`
	OverrideJustification string `json:"overrideJustification"`
	PhysicianID           string `json:"physicianId"`
}

type historyResponse struct {
	OrderID  string                        `json:"orderId"`
	Attempts []*entities.ValidationAttempt `json:"attempts"`
}

type stateResponse struct {
	OrderID string                   `json:"orderId"`
	State   entities.ValidationState `json:"state"`
}

// Validate handles POST /api/orders/{orderID}/validations
func (h *ValidationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("orderID"))
	if orderID == "" {
		respondWithError(w, http.StatusBadRequest, "order ID is required")
		return
	}

	var payload validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDictationBytes)).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	idemKey := h.idempotencyKey(r, orderID)
	if cached, ok := h.replay(r.Context(), idemKey); ok {
		w.Header().Set("Idempotent-Replay", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	outcome, err := h.service.Validate(r.Context(), &entities.ValidationRequest{
		OrderID:               orderID,
		DictationText:         payload.DictationText,
		OverrideJustification: payload.OverrideJustification,
		PhysicianID:           strings.TrimSpace(payload.PhysicianID),
	})
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	h.remember(r.Context(), idemKey, outcome)
	respondWithJSON(w, http.StatusOK, outcome)
}

// History handles GET /api/orders/{orderID}/validations
func (h *ValidationHandler) History(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("orderID"))
	if orderID == "" {
		respondWithError(w, http.StatusBadRequest, "order ID is required")
		return
	}

	attempts, err := h.service.History(r.Context(), orderID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*entities.ValidationAttempt{}
	}
	respondWithJSON(w, http.StatusOK, historyResponse{OrderID: orderID, Attempts: attempts})
}

// State handles GET /api/orders/{orderID}/validations/state
func (h *ValidationHandler) State(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.PathValue("orderID"))
	if orderID == "" {
		respondWithError(w, http.StatusBadRequest, "order ID is required")
		return
	}

	state, err := h.service.State(r.Context(), orderID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stateResponse{OrderID: orderID, State: state})
}

func (h *ValidationHandler) idempotencyKey(r *http.Request, orderID string) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	if key == "" || h.cache == nil {
		return ""
	}
	return idempotencyKeyPrefix + orderID + ":" + key
}

func (h *ValidationHandler) replay(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	data, err := h.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (h *ValidationHandler) remember(ctx context.Context, key string, outcome *entities.ValidationOutcome) {
	if key == "" {
		return
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, key, data, int(h.idempotencyTTL.Seconds())); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("Failed to store idempotent response")
	}
}
