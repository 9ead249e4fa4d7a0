package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/reads"
)

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	Signer        *reads.CookieSigner
	SecureCookies bool
	// ReadLimiter throttles the public read path per client IP; nil disables it.
	ReadLimiter RateLimiter
	// APILimiter throttles the owner API per client IP; nil disables it.
	APILimiter RateLimiter
	Timeout    time.Duration
	// TrustProxyHeaders rewrites RemoteAddr from X-Forwarded-For and
	// X-Real-IP before rate limiting.
	TrustProxyHeaders bool
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/m/{token}", func(r chi.Router) {
		r.Use(ViewerCookie(cfg.Signer, cfg.SecureCookies, logger))

		r.Get("/", h.PeekMessage)
		r.With(RateLimitMiddleware(cfg.ReadLimiter, "read", logger, IPKeyFunc)).
			Post("/read", h.ReadMessage)
		r.Put("/reaction", h.ReactToMessage)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.APILimiter, "api", logger, IPKeyFunc))
		r.Use(RequireUser)

		r.Post("/messages", h.CreateMessage)
		r.Get("/messages", h.ListMessages)
		r.Get("/messages/{token}", h.GetMessage)
		r.Delete("/messages/{token}", h.DeleteMessage)
		r.Get("/messages/{token}/reads", h.MessageReads)

		r.Get("/dashboard", h.Dashboard)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/retry", h.RetryNotification)

		r.Put("/settings/webhook", h.UpdateWebhook)
	})

	r.Post("/webhooks/billing", h.BillingWebhook)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

// routeOf returns the matched route pattern. Raw paths carry message
// tokens and are never logged.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
