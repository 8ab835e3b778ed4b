package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/imagecredits/backend/internal/auth"
)

type contextKey string

const ctxUserKey contextKey = "user_id"

// TokenValidator resolves a bearer token to the signed-in user.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// SessionAuth authenticates requests by their Bearer session token. On success
// it sets the user id into request context. A missing or rejected token gets
// 401, a failing session store 500.
func SessionAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeJSONError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			userID, err := validator.ValidateToken(r.Context(), raw)
			switch {
			case errors.Is(err, auth.ErrUnauthenticated), err == nil && userID == uuid.Nil:
				writeJSONError(w, http.StatusUnauthorized, "Not authenticated")
				return
			case err != nil:
				slog.Error("Session lookup failed", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "Failed to verify session")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// UserIDFromCtx returns the authenticated user, or uuid.Nil.
func UserIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserKey).(uuid.UUID)
	return id
}

// WithUserID returns a context carrying the given user id.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
