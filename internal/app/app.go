package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/client/catalog"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/service/stock"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run запускает сервис заказов: HTTP API саги, фоновые воркеры outbox, очистки
// ключей идемпотентности и сверки, а также служебные listener'ы метрик и gRPC.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validateOrderService(); err != nil {
		return err
	}
	logger := log.WithField("component", "order-service")

	shutdownTracing, err := initTracing(cfg.JaegerEndpoint, "order-service", logger)
	if err != nil {
		return err
	}
	defer flushTracing(shutdownTracing, logger)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	clients, err := initClients(ctx, cfg, deps.stockRepo, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}
	defer clients.close(logger)

	sagaMetrics := metrics.NewSagaMetrics()
	orch, err := createOrchestrator(cfg, deps, clients, sagaMetrics, logger)
	if err != nil {
		return err
	}
	sweeper := createSweeper(cfg, deps, clients, sagaMetrics, logger)

	// без брокера события уходят в лог; ошибка подключения уже залогирована
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)
	publisher, dlqPublisher := outboxPublishers(producer, logger)

	workers := newWorkerGroup(ctx)
	defer workers.stop(logger)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithMetrics(metrics.NewOutboxMetrics(nil)),
	}
	if dlqPublisher != nil {
		outboxOpts = append(outboxOpts, outbox.WithDLQPublisher(dlqPublisher))
	}
	workers.start(outbox.NewWorker(deps.outboxRepo, publisher, outboxOpts...).Run)
	workers.start(idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithAbandonAfter(cfg.IdempotencyAbandonAfter),
		idempotency.WithMetrics(metrics.NewIdempotencyMetrics(nil)),
	).Run)
	workers.start(sweeper.Run)

	consumer, err := initReconcileConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, sweeper, producer, logger)
	if err != nil {
		logger.WithError(err).Warn("reconciliation consumer is disabled")
	} else if consumer != nil {
		if err := consumer.Start(workers.ctx); err != nil {
			logger.WithError(err).Warn("failed to start reconciliation consumer")
		}
		defer stopConsumer(consumer, logger)
	}

	handlers := []httpapi.Routable{
		httpapi.NewOrderHandler(orch,
			idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency-guard")),
			logger.WithField("component", "orders-api"),
			httpapi.WithProductDetails(clients.catalog)),
	}
	if clients.ledger != nil {
		syncer := stock.NewSyncer(clients.ledger, clients.pricing, logger.WithField("component", "inventory-sync"))
		syncOnStart(ctx, cfg, syncer, logger)
		handlers = append(handlers, httpapi.NewInventoryHandler(clients.ledger, logger.WithField("component", "inventory-api"),
			httpapi.WithCatalogSync(syncer)))
	}

	healthHandler := healthcheck.NewHandler(version.Get().Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	for name, checker := range clients.checkers {
		healthHandler.RegisterChecker(name, checker)
	}

	return serve(ctx, cfg, logger, healthHandler, httpapi.NewRouter(logger.WithField("component", "http"), metrics.NewHTTPMetrics(nil), handlers...))
}

// RunInventory запускает складской сервис: маршруты /inventory поверх выбранного хранилища.
func RunInventory(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "inventory-service")

	shutdownTracing, err := initTracing(cfg.JaegerEndpoint, "inventory-service", logger)
	if err != nil {
		return err
	}
	defer flushTracing(shutdownTracing, logger)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	ledger := stock.NewService(deps.stockRepo, logger.WithField("component", "stock-ledger"), metrics.NewLedgerMetrics(nil))

	var opts []httpapi.InventoryOption
	if cfg.CatalogURL != "" {
		source := catalog.New(cfg.CatalogURL, cfg.UpstreamTimeout,
			upstreamOptions(cfg, catalog.ServiceName, metrics.NewUpstreamMetrics(nil).Observe, logger)...)
		syncer := stock.NewSyncer(ledger, source, logger.WithField("component", "inventory-sync"))
		syncOnStart(ctx, cfg, syncer, logger)
		opts = append(opts, httpapi.WithCatalogSync(syncer))
	}

	healthHandler := healthcheck.NewHandler(version.Get().Version)
	healthHandler.RegisterChecker("storage", deps.storageChecker)

	router := httpapi.NewRouter(logger.WithField("component", "http"), metrics.NewHTTPMetrics(nil),
		httpapi.NewInventoryHandler(ledger, logger.WithField("component", "inventory-api"), opts...))
	return serve(ctx, cfg, logger, healthHandler, router)
}

// syncOnStart заполняет отсутствующие позиции склада из каталога. Ошибка не мешает запуску:
// синхронизацию можно повторить через POST /inventory/sync.
func syncOnStart(ctx context.Context, cfg Config, syncer *stock.Syncer, logger *log.Entry) {
	if !cfg.InventorySyncOnStart {
		return
	}
	syncCtx, cancel := context.WithTimeout(ctx, cfg.InventorySyncTimeout)
	defer cancel()
	if _, err := syncer.Sync(syncCtx, true); err != nil {
		logger.WithError(err).Warn("startup inventory sync failed")
	}
}

// RunReconciler запускает только сверку саг: по таймеру и по событиям SagaCompensationFailed.
func RunReconciler(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "reconciler")
	sweeper, cleanup, err := newStandaloneSweeper(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// producer нужен только для DLQ consumer'а
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(producer, logger)

	consumer, err := initReconcileConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, sweeper, producer, logger)
	if err != nil {
		logger.WithError(err).Warn("reconciliation consumer is disabled")
	} else if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Warn("failed to start reconciliation consumer")
		}
		defer stopConsumer(consumer, logger)
	}

	healthHandler := healthcheck.NewHandler(version.Get().Version)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	sweeper.Run(ctx)
	return ctx.Err()
}

// ReconcileOnce выполняет один обход сверки и возвращает его итог.
func ReconcileOnce(ctx context.Context, cfg Config) (reconcile.Result, error) {
	logger := log.WithField("component", "reconciler")
	sweeper, cleanup, err := newStandaloneSweeper(ctx, cfg, logger)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer cleanup()
	return sweeper.SweepOnce(ctx)
}

func newStandaloneSweeper(ctx context.Context, cfg Config, logger *log.Entry) (*reconcile.Sweeper, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	ledger, _, err := initStockLedger(cfg, deps.stockRepo, metrics.NewUpstreamMetrics(nil).Observe, prometheus.DefaultRegisterer, logger)
	if err != nil {
		deps.close(logger)
		return nil, nil, err
	}
	sweeper := createSweeper(cfg, deps, &upstreamClients{stock: ledger}, metrics.NewSagaMetrics(), logger)
	return sweeper, func() { deps.close(logger) }, nil
}

// serve поднимает основной HTTP API, listener метрик и служебный gRPC и ждёт ctx или ошибки сервера.
func serve(ctx context.Context, cfg Config, logger *log.Entry, healthHandler *healthcheck.Handler, api http.Handler) error {
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	grpcServer, healthServer := newAdminGRPCServer(logger)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	stop := func() {
		shutdownHTTP(apiSrv, logger)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// newAdminGRPCServer создаёт служебный gRPC: health, reflection, метрики и трейсинг.
func newAdminGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// reflection нужен grpcurl
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

// startMetricsServer запускает HTTP-обработчик /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: metricsMux(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

func metricsMux(healthHandler *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return mux
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

func flushTracing(shutdown func(context.Context) error, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).Warn("failed to flush traces")
	}
}

// workerGroup запускает фоновые воркеры и останавливает их вместе.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkerGroup(parent context.Context) *workerGroup {
	ctx, cancel := context.WithCancel(parent)
	return &workerGroup{ctx: ctx, cancel: cancel}
}

func (g *workerGroup) start(run func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(g.ctx)
	}()
}

func (g *workerGroup) stop(logger *log.Entry) {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}
