package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/client/cache"
	"github.com/vladislavdragonenkov/storefront/internal/client/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/client/identity"
	stockclient "github.com/vladislavdragonenkov/storefront/internal/client/stock"
	"github.com/vladislavdragonenkov/storefront/internal/client/upstream"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/stock"
)

// upstreamClients — клиенты внешних сервисов для саги.
type upstreamClients struct {
	identity domain.IdentityClient
	// catalog может отвечать из кеша: только для отображения.
	catalog  domain.CatalogClient
	// pricing всегда ходит в каталог: цена заказа не берётся из кеша.
	pricing  *catalog.Client
	stock    domain.StockLedger
	// ledger задан, когда склад работает в этом же процессе: тогда его маршруты монтируются в HTTP API.
	ledger   *stock.Service
	redis    *redis.Client
	checkers map[string]healthcheck.Checker
}

func (c *upstreamClients) close(logger *log.Entry) {
	if c == nil || c.redis == nil {
		return
	}
	if err := c.redis.Close(); err != nil {
		logger.WithError(err).Warn("failed to close redis client")
	}
}

// upstreamOptions собирает общие опции вызова: свой breaker на сервис и метрики.
func upstreamOptions(cfg Config, service string, observer upstream.Observer, logger *log.Entry) []upstream.Option {
	callerLogger := logger.WithField("upstream", service)
	return []upstream.Option{
		upstream.WithLogger(callerLogger),
		upstream.WithObserver(observer),
		upstream.WithBreaker(upstream.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, callerLogger)),
	}
}

// initClients создаёт клиенты identity, catalog и склада. Без SHOP_INVENTORY_URL склад
// работает в процессе поверх stockRepo; с SHOP_REDIS_ADDR кэшируются пользователи и карточки
// товаров для отображения, цена для саги читается из каталога напрямую.
func initClients(ctx context.Context, cfg Config, stockRepo domain.StockRepository, registerer prometheus.Registerer, logger *log.Entry) (*upstreamClients, error) {
	observer := metrics.NewUpstreamMetrics(registerer).Observe
	clients := &upstreamClients{checkers: make(map[string]healthcheck.Checker)}

	var identityClient domain.IdentityClient = identity.New(cfg.IdentityURL, cfg.UpstreamTimeout,
		upstreamOptions(cfg, identity.ServiceName, observer, logger)...)
	clients.pricing = catalog.New(cfg.CatalogURL, cfg.UpstreamTimeout,
		upstreamOptions(cfg, catalog.ServiceName, observer, logger)...)
	var catalogClient domain.CatalogClient = clients.pricing

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			// Кэш не обязателен: без него сага ходит в сервисы напрямую.
			logger.WithError(err).Warn("redis is unavailable, lookups are not cached")
		} else {
			clients.redis = rdb
			cacheLogger := logger.WithField("component", "lookup-cache")
			identityClient = cache.NewIdentityClient(identityClient, rdb, cfg.CacheTTL, cacheLogger)
			catalogClient = cache.NewCatalogClient(catalogClient, rdb, cfg.CacheTTL, cacheLogger)
			clients.checkers["redis"] = healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			})
		}
	}
	clients.identity = identityClient
	clients.catalog = catalogClient

	ledger, local, err := initStockLedger(cfg, stockRepo, observer, registerer, logger)
	if err != nil {
		return nil, err
	}
	clients.stock = ledger
	clients.ledger = local
	return clients, nil
}

// initStockLedger возвращает удалённый склад по SHOP_INVENTORY_URL либо склад в процессе;
// во втором случае local указывает на него же.
func initStockLedger(cfg Config, stockRepo domain.StockRepository, observer upstream.Observer, registerer prometheus.Registerer, logger *log.Entry) (ledger domain.StockLedger, local *stock.Service, err error) {
	if cfg.InventoryURL != "" {
		return stockclient.New(cfg.InventoryURL, cfg.UpstreamTimeout,
			upstreamOptions(cfg, stockclient.ServiceName, observer, logger)...), nil, nil
	}
	if stockRepo == nil {
		return nil, nil, fmt.Errorf("in-process stock ledger requires a stock repository")
	}
	local = stock.NewService(stockRepo, logger.WithField("component", "stock-ledger"), metrics.NewLedgerMetrics(registerer))
	return local, local, nil
}
