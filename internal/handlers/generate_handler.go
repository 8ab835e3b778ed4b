package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/catalog"
	"github.com/imagecredits/backend/internal/generation"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/middleware"
	"github.com/imagecredits/backend/internal/models"
	"github.com/imagecredits/backend/internal/validation"
)

// IdempotencyKeyHeader carries the client's retry key for generate-image.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

// ImageService is the subset of the generation service used by the handler.
type ImageService interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// OutputValidator checks response payloads. Mismatches are only logged.
type OutputValidator interface {
	ValidateOutput(ctx context.Context, feature string, output json.RawMessage) error
}

// GenerateHandler serves POST /api/v1/generate-image.
type GenerateHandler struct {
	Images    ImageService
	Validator OutputValidator
	Logger    *slog.Logger
}

type generateImageRequest struct {
	Prompt string `json:"prompt"`
}

type generateImageResponse struct {
	Image            string `json:"image"`
	RemainingCredits int64  `json:"remainingCredits"`
	TransactionID    string `json:"transactionId,omitempty"`
}

type insufficientCreditsResponse struct {
	Error          string `json:"error"`
	CreditsNeeded  int64  `json:"creditsNeeded"`
	CurrentCredits int64  `json:"currentCredits"`
}

type generateFailedResponse struct {
	Error          string `json:"error"`
	CurrentCredits *int64 `json:"currentCredits,omitempty"`
}

// GenerateImage handles POST /api/v1/generate-image.
// Auth (via middleware) -> Validate -> Reserve -> Generate + Store -> Commit -> 200.
func (h *GenerateHandler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "No prompt provided")
		return
	}
	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}

	res, err := h.Images.Generate(r.Context(), generation.Request{
		UserID:         userID,
		Prompt:         req.Prompt,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeGenerateError(w, r, userID, err)
		return
	}

	resp := generateImageResponse{
		Image:            res.Image,
		RemainingCredits: res.RemainingCredits,
		TransactionID:    res.TransactionID.String(),
	}
	h.checkOutput(r.Context(), resp)
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *GenerateHandler) writeGenerateError(w http.ResponseWriter, r *http.Request, userID uuid.UUID, err error) {
	var (
		insufficient *ledger.InsufficientCreditsError
		failed       *ledger.ActionFailedError
	)
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, insufficientCreditsResponse{
			Error:          "Not enough credits",
			CreditsNeeded:  insufficient.Needed,
			CurrentCredits: insufficient.Available,
		})
	case errors.Is(err, generation.ErrNoPrompt):
		writeError(w, http.StatusBadRequest, "No prompt provided")
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	case errors.Is(err, generation.ErrRequestInProgress),
		errors.Is(err, generation.ErrRequestFailed),
		errors.Is(err, generation.ErrReplayUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrFeatureDisabled), errors.Is(err, catalog.ErrUnknownFeature):
		writeError(w, http.StatusServiceUnavailable, "Image generation is not available")
	case errors.As(err, &failed):
		// The reservation was rolled back; report the backend's own message.
		h.log().Warn("image generation failed",
			"user_id", userID,
			"reservation_id", failed.ReservationID,
			"refunded", failed.Refunded,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, generateFailedResponse{
			Error:          err.Error(),
			CurrentCredits: h.currentCredits(r, userID),
		})
	default:
		h.log().Error("generate image", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, generateFailedResponse{
			Error:          "Failed to generate image",
			CurrentCredits: h.currentCredits(r, userID),
		})
	}
}

func (h *GenerateHandler) currentCredits(r *http.Request, userID uuid.UUID) *int64 {
	balance, err := h.Images.Balance(context.WithoutCancel(r.Context()), userID)
	if err != nil {
		h.log().Warn("read balance for error response", "user_id", userID, "error", err)
		return nil
	}
	return &balance
}

// checkOutput validates the response against the output schema (soft flag).
func (h *GenerateHandler) checkOutput(ctx context.Context, resp generateImageResponse) {
	if h.Validator == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.Validator.ValidateOutput(ctx, models.FeatureImageGeneration, raw); err != nil {
		if errors.Is(err, validation.ErrValidation) {
			h.log().Warn("response does not match output schema", "error", err)
			return
		}
		h.log().Error("validate output", "error", err)
	}
}

func (h *GenerateHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
