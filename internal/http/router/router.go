package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suntrack/sales-agent/internal/http/handlers"
	"github.com/suntrack/sales-agent/internal/http/middleware"
	"github.com/suntrack/sales-agent/pkg/logging"
)

// Config carries the handlers and settings the router wires together.
type Config struct {
	Webhook        *handlers.WhatsAppWebhookHandler
	AdminLeads     *handlers.AdminLeadsHandler
	AdminJWTSecret string
	Registry       *prometheus.Registry
	Logger         *logging.Logger
}

// New assembles the HTTP routes. The webhook and health endpoints are
// public; everything under /admin requires a valid operator token.
func New(cfg Config) http.Handler {
	if cfg.Webhook == nil || cfg.AdminLeads == nil {
		panic("router: webhook and admin handlers cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	r.Use(middleware.RequestLogger(logger))

	r.Get("/healthz", handlers.Health)
	r.Post("/webhooks/whatsapp", cfg.Webhook.Handle)

	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.AdminJWT(cfg.AdminJWTSecret))
		admin.Get("/leads", cfg.AdminLeads.List)
		admin.Get("/leads/{id}", cfg.AdminLeads.Get)
		admin.Get("/leads/{id}/messages", cfg.AdminLeads.Messages)
		admin.Post("/leads/{id}/stage", cfg.AdminLeads.OverrideStage)
	})

	return r
}
