package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

// createOrchestrator собирает сагу из хранилищ и клиентов.
func createOrchestrator(cfg Config, deps *runtimeDependencies, clients *upstreamClients, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) (saga.Orchestrator, error) {
	retry := saga.DefaultRetryConfig()
	if cfg.CompensationAttempts > 0 {
		retry.MaxAttempts = cfg.CompensationAttempts
	}
	if cfg.CompensationDelay > 0 {
		retry.InitialDelay = cfg.CompensationDelay
	}

	return saga.NewOrchestrator(saga.Dependencies{
		Orders:   deps.orders,
		SagaLog:  deps.sagaLog,
		Outbox:   deps.outboxRepo,
		Identity: clients.identity,
		Catalog:  clients.pricing,
		Stock:    clients.stock,
		Retry:    retry,
		Logger:   logger.WithField("component", "saga"),
		Metrics:  sagaMetrics,
	})
}

// createSweeper собирает сверку незавершённых саг.
func createSweeper(cfg Config, deps *runtimeDependencies, clients *upstreamClients, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) *reconcile.Sweeper {
	return reconcile.NewSweeper(deps.sagaLog, deps.orders, clients.stock,
		reconcile.WithLogger(logger.WithField("component", "reconcile-sweeper")),
		reconcile.WithMetrics(sagaMetrics),
		reconcile.WithOutbox(deps.outboxRepo),
		reconcile.WithInterval(cfg.SweepInterval),
		reconcile.WithStaleAfter(cfg.SweepStaleAfter),
	)
}
