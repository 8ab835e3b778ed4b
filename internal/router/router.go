package router

import (
	"net/http"

	"github.com/imagecredits/backend/internal/auth"
	"github.com/imagecredits/backend/internal/dashboard"
	"github.com/imagecredits/backend/internal/handlers"
)

// Routes bundles the handlers and middleware mounted by New.
type Routes struct {
	Auth      *auth.Handler
	Generate  *handlers.GenerateHandler
	Dashboard *dashboard.Handler
	// Session authenticates the caller; SpendLimit guards metered routes.
	Session    func(http.Handler) http.Handler
	SpendLimit func(http.Handler) http.Handler
	Health     http.HandlerFunc
	Metrics    http.Handler
}

// New returns an http.Handler that serves the API under /api/v1.
// Middleware chain for metered routes: Session -> SpendLimit -> handler.
func New(rt Routes) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	mux.HandleFunc("POST "+base+"/auth/register", rt.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", rt.Auth.Login)
	mux.HandleFunc("POST "+base+"/auth/logout", rt.Auth.Logout)
	mux.HandleFunc("GET "+base+"/features", rt.Dashboard.ListFeatures)

	session := rt.Session
	limit := rt.SpendLimit
	if limit == nil {
		limit = func(h http.Handler) http.Handler { return h }
	}

	mux.Handle("POST "+base+"/generate-image", session(limit(http.HandlerFunc(rt.Generate.GenerateImage))))

	mux.Handle("GET "+base+"/account/me", session(http.HandlerFunc(rt.Dashboard.GetMe)))
	mux.Handle("GET "+base+"/credits", session(http.HandlerFunc(rt.Dashboard.GetCredits)))
	mux.Handle("GET "+base+"/credit-ledger", session(http.HandlerFunc(rt.Dashboard.ListCreditLedger)))
	mux.Handle("GET "+base+"/generations", session(http.HandlerFunc(rt.Dashboard.ListGenerations)))

	if rt.Health != nil {
		mux.HandleFunc("GET /healthz", rt.Health)
	}
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}
	return mux
}
