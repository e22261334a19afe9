package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlight-erp/greenlight/internal/invoicing"
	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/observability"
	"github.com/greenlight-erp/greenlight/internal/procurement"
	"github.com/greenlight-erp/greenlight/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	LedgerHandler      *ledger.Handler
	ProcurementHandler *procurement.Handler
	InvoicingHandler   *invoicing.Handler
	JobsHandler        *jobs.Handler
	Pool               *pgxpool.Pool
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with Greenlight defaults. All domain
// routes hang off a project scope: sub-accounts, purchase orders and
// invoices belong to exactly one project.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/projects/{projectID}", func(r chi.Router) {
		params.LedgerHandler.MountRoutes(r)
		params.ProcurementHandler.MountRoutes(r)
		params.InvoicingHandler.MountRoutes(r)
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
