package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quipu-pos/quipu/internal/bridge"
	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
	"github.com/quipu-pos/quipu/internal/observability"
	"github.com/quipu-pos/quipu/internal/platform/httpx"
	"github.com/quipu-pos/quipu/jobs"
)

// RouterParams groups dependencies for building the operator HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	InvoiceHandler  *invoice.Handler
	BridgeOperator  *bridge.OperatorHandler
	JobsHealth      *jobs.HealthHandler
	Metrics         *observability.Metrics
	Pool            *pgxpool.Pool
	Redis           *redis.Client
	AuthorityOnline func(ctx context.Context) bool
}

// NewRouter constructs the chi.Router for the operator API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Readiness checks the stores this process cannot run without. The
	// authority is reported but never gates readiness; invoicing keeps
	// working offline through the retry queue.
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"postgres": "ok", "redis": "ok", "authority": "unknown"}
		if params.Pool != nil {
			if err := params.Pool.Ping(ctx); err != nil {
				body["postgres"] = "down"
				status = http.StatusServiceUnavailable
			}
		}
		if params.Redis != nil {
			if err := params.Redis.Ping(ctx).Err(); err != nil {
				body["redis"] = "down"
				status = http.StatusServiceUnavailable
			}
		}
		if params.AuthorityOnline != nil {
			body["authority"] = "down"
			if params.AuthorityOnline(ctx) {
				body["authority"] = "ok"
			}
		}
		httpx.JSON(w, status, body)
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if params.InvoiceHandler != nil {
			params.InvoiceHandler.MountRoutes(api)
		}
		if params.BridgeOperator != nil {
			params.BridgeOperator.MountRoutes(api)
		}
		if params.JobsHealth != nil {
			api.Route("/jobs", func(jr chi.Router) {
				params.JobsHealth.MountRoutes(jr)
			})
		}
	})

	return r
}
