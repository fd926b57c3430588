package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tasktrust/escrow-ledger/internal/api/handler"
	"github.com/tasktrust/escrow-ledger/internal/api/middleware"
	"github.com/tasktrust/escrow-ledger/internal/api/spec"
	"github.com/tasktrust/escrow-ledger/internal/config"
	"github.com/tasktrust/escrow-ledger/internal/escrow"
	"github.com/tasktrust/escrow-ledger/internal/idempotency"
	"github.com/tasktrust/escrow-ledger/internal/ledger"
)

// Router wires the transport shim around the escrow core.
type Router struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *pgxpool.Pool
	svc       *escrow.Service
	ledger    ledger.Ledger
	idemStore *idempotency.Store
	redis     redis.Cmdable
}

func NewRouter(cfg *config.Config, logger *zap.Logger, db *pgxpool.Pool, svc *escrow.Service, lg ledger.Ledger, idemStore *idempotency.Store, rdb redis.Cmdable) *Router {
	return &Router{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		svc:       svc,
		ledger:    lg,
		idemStore: idemStore,
		redis:     rdb,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	escrowHandler := handler.NewEscrowHandler(api.svc)
	statsHandler := handler.NewStatsHandler(api.svc)
	accountHandler := handler.NewAccountHandler(api.ledger)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	// Public routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/v1/stats", statsHandler.Get)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.IdentityMiddleware)
		r.Use(middleware.AccountRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/escrows/{id}", escrowHandler.Get)
		r.Get("/v1/escrows/{id}/events", escrowHandler.Events)
		r.Get("/v1/accounts/{id}/balance", accountHandler.GetBalance)

		r.Group(func(r chi.Router) {
			r.Use(middleware.IdempotencyMiddleware(api.idemStore, api.logger))
			r.Post("/v1/escrows", escrowHandler.Create)
			r.Post("/v1/escrows/{id}/complete", escrowHandler.MarkComplete)
			r.Post("/v1/escrows/{id}/release", escrowHandler.Release)
			r.Post("/v1/escrows/{id}/dispute", escrowHandler.Dispute)
		})
	})

	return r
}
