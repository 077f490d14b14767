package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/cnpj-enricher/internal/adapter/observability"
)

// Router assembles the complete route tree with middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID())
	r.Use(middleware.RealIP)
	r.Use(Recoverer())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(observability.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.Cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))

		v1.Post("/cnpjs", s.SubmitHandler())
		v1.Get("/status", s.StatusHandler())
		v1.Get("/cnpj/{cnpj}", s.LookupHandler())

		if s.Cfg.AdminEnabled() {
			v1.Route("/admin", func(admin chi.Router) {
				admin.Use(BasicAuth(s.Cfg.AdminUsername, s.Cfg.AdminPasswordBcrypt))
				admin.Post("/queue/restart", s.RestartQueueHandler())
				admin.Post("/duplicates/cleanup", s.CleanupDuplicatesHandler())
			})
		}
	})

	return r
}
