package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// SpendCounter reports credits spent or reserved since a point in time.
type SpendCounter interface {
	SpentSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
}

// dailySpendFn is the function used to compute today's spend.
// Tests can replace this to avoid hitting a real database.
var dailySpendFn = defaultDailySpend

// defaultDailySpend sums pending and committed spends for the user today (UTC).
func defaultDailySpend(ctx context.Context, counter SpendCounter, userID uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return counter.SpentSince(ctx, userID, midnight)
}

// SpendLimit rejects a metered request with 403 when spending cost more credits
// would take the user past limit for the current UTC day. A limit <= 0
// disables the check. It must run after SessionAuth.
func SpendLimit(counter SpendCounter, limit, cost int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromCtx(r.Context())
			if userID == uuid.Nil {
				writeJSONError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
			spent, err := dailySpendFn(r.Context(), counter, userID)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to check daily spend")
				return
			}
			if spent+cost > limit {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":      "Daily credit limit reached",
					"dailyLimit": limit,
					"spentToday": spent,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
