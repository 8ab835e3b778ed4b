package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/catalog"
	"github.com/imagecredits/backend/internal/ledger"
	"github.com/imagecredits/backend/internal/middleware"
	"github.com/imagecredits/backend/internal/models"
)

type Users interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type Generations interface {
	List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error)
}

type Features interface {
	List() []catalog.Feature
}

// Handler serves the read views behind the web dashboard. The UI never
// computes a balance itself; it renders what these endpoints return.
type Handler struct {
	users    Users
	ledger   Ledger
	gens     Generations
	features Features
	log      *slog.Logger
}

func NewHandler(users Users, led Ledger, gens Generations, features Features, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{users: users, ledger: led, gens: gens, features: features, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := middleware.UserIDFromCtx(r.Context())
	if id == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return uuid.Nil, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	u, err := h.users.GetUserByID(r.Context(), userID)
	if err != nil {
		h.log.Error("get user failed", "user_id", userID, "error", err)
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              u.ID,
		"email":           u.Email,
		"display_name":    u.DisplayName,
		"credits_balance": balance,
		"created_at":      u.CreatedAt,
	})
}

// GET /api/v1/credits
// A user without a ledger row has zero credits.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits_balance": balance})
}

type ledgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	FeatureUsed  string     `json:"feature_used"`
	CreditsSpent int64      `json:"credits_spent"`
	Status       string     `json:"status"`
	BalanceAfter int64      `json:"balance_after"`
	ErrorDetail  *string    `json:"error_detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
}

// GET /api/v1/credit-ledger
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	txns, err := h.ledger.ListTransactions(r.Context(), userID, limitParam(r))
	if err != nil {
		h.log.Error("list transactions failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load credit ledger")
		return
	}
	out := make([]ledgerEntry, 0, len(txns))
	for _, t := range txns {
		out = append(out, ledgerEntry{
			ID:           t.ID,
			FeatureUsed:  t.FeatureUsed,
			CreditsSpent: t.CreditsSpent,
			Status:       t.Status,
			BalanceAfter: t.BalanceAfter,
			ErrorDetail:  t.ErrorDetail,
			CreatedAt:    t.CreatedAt,
			FinalizedAt:  t.FinalizedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/generations
func (h *Handler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	gens, err := h.gens.List(r.Context(), userID, limitParam(r))
	if err != nil {
		h.log.Error("list generations failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load generations")
		return
	}
	if gens == nil {
		gens = []*models.Generation{}
	}
	writeJSON(w, http.StatusOK, gens)
}

// GET /api/v1/features
func (h *Handler) ListFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.features.List())
}
