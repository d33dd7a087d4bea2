package httpx

import (
	"log/slog"
	"net/http"

	"github.com/00quasr/sokudo-sub000/internal/app"
	"github.com/00quasr/sokudo-sub000/internal/store"
	"github.com/00quasr/sokudo-sub000/internal/ws"
	"github.com/00quasr/sokudo-sub000/pkg/auth"
	"github.com/00quasr/sokudo-sub000/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers
func NewRouter(cfg app.Config, logger *slog.Logger, hub *ws.Hub, db *store.Postgres) http.Handler {
	mw := NewMiddleware(cfg)
	api := &RacesAPI{DB: db, DefaultMaxPlayers: cfg.DefaultMaxPlayers}

	// Auth API
	j := auth.New(cfg.JWTSecret)
	authAPI := &AuthAPI{DB: db, JWT: j}

	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint (token auth handled by the hub itself)
	mux.Handle("/ws", http.HandlerFunc(hub.ServeWS))

	// Auth endpoints
	mux.Handle("/api/auth/register", http.HandlerFunc(authAPI.Register))
	mux.Handle("/api/auth/login", http.HandlerFunc(authAPI.Login))
	mux.Handle("/api/auth/me", mw.Auth(http.HandlerFunc(authAPI.Me)))

	// Race endpoints (JWT-protected)
	mux.Handle("POST /api/races", mw.Auth(http.HandlerFunc(api.Create)))
	mux.Handle("GET /api/races/{id}", mw.Auth(http.HandlerFunc(api.Get)))
	mux.Handle("GET /api/races/{id}/results", mw.Auth(http.HandlerFunc(api.Results)))

	// Challenge content
	mux.Handle("GET /api/challenges", mw.Auth(http.HandlerFunc(api.ListChallenges)))
	mux.Handle("GET /api/challenges/{id}", mw.Auth(http.HandlerFunc(api.GetChallenge)))

	// CORS + rate limit applied globally
	return mw.Wrap(mux)
}
