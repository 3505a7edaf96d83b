package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/abuse-gateway/internal/middleware"
	"github.com/ComUnity/abuse-gateway/internal/telemetry"
)

type RouterDeps struct {
	Identity     *middleware.IdentityExtractor
	Eligibility  *EligibilityHandler
	Admin        *AdminHandler
	Health       *HealthHandler
	AdminLimiter middleware.WindowLimiter
	Verifier     middleware.AdminVerifier
	Publisher    telemetry.Publisher
	TLS          middleware.TLSConfig
	// RequestTimeout bounds each request; 0 disables it.
	RequestTimeout time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Logger)
	if d.RequestTimeout > 0 {
		r.Use(chimw.Timeout(d.RequestTimeout))
	}
	r.Use(middleware.SecurityHeaders(d.TLS))

	r.Get("/health", d.Health.ServeHTTP)
	r.Get("/ready", d.Health.Ready)
	r.Get("/live", d.Health.Live)

	audit := middleware.NewRequestAudit(d.Publisher, d.Identity)
	adminGate := middleware.RateLimit(d.AdminLimiter, d.Identity.ClientIP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(audit.Handler)

		r.Post("/freemium/eligibility", d.Eligibility.Check)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminGate)
			r.Get("/verify", d.Admin.Verify)
			r.With(middleware.RequireAdmin(d.Verifier, d.Identity)).
				Get("/rate-limit/stats", d.Admin.RateLimitStats)
		})
	})
	return r
}
