package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — сколько живут снимки пользователей и товаров в кеше.
const DefaultTTL = 5 * time.Minute

// Store — подмножество команд Redis, которое нужно кешу. *redis.Client его реализует.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Connect открывает соединение с Redis и проверяет его через PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// IdentityClient кеширует ответы сервиса пользователей. Ошибки Redis не ломают поиск:
// запрос уходит в сервис напрямую.
type IdentityClient struct {
	next   domain.IdentityClient
	store  Store
	ttl    time.Duration
	logger *log.Entry
}

// NewIdentityClient оборачивает клиент identity кешем.
func NewIdentityClient(next domain.IdentityClient, store Store, ttl time.Duration, logger *log.Entry) *IdentityClient {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.New().WithField("component", "lookup-cache")
	}
	return &IdentityClient{next: next, store: store, ttl: ttl, logger: logger}
}

func (c *IdentityClient) GetUser(ctx context.Context, id int64) (domain.User, error) {
	key := fmt.Sprintf("user:%d", id)
	var user domain.User
	if load(ctx, c.store, c.logger, key, &user) {
		return user, nil
	}

	user, err := c.next.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	save(ctx, c.store, c.logger, key, user, c.ttl)
	return user, nil
}

// CatalogClient кеширует карточки товаров.
type CatalogClient struct {
	next   domain.CatalogClient
	store  Store
	ttl    time.Duration
	logger *log.Entry
}

// NewCatalogClient оборачивает клиент каталога кешем.
func NewCatalogClient(next domain.CatalogClient, store Store, ttl time.Duration, logger *log.Entry) *CatalogClient {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.New().WithField("component", "lookup-cache")
	}
	return &CatalogClient{next: next, store: store, ttl: ttl, logger: logger}
}

func (c *CatalogClient) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	key := fmt.Sprintf("product:%d", id)
	var product domain.Product
	if load(ctx, c.store, c.logger, key, &product) {
		return product, nil
	}

	product, err := c.next.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	save(ctx, c.store, c.logger, key, product, c.ttl)
	return product, nil
}

func load(ctx context.Context, store Store, logger *log.Entry, key string, dst interface{}) bool {
	span := trace.SpanFromContext(ctx)

	data, err := store.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		logger.WithError(err).WithField("key", key).Warn("cache entry corrupted")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return false
	}
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return true
}

func save(ctx context.Context, store Store, logger *log.Entry, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.WithError(err).WithField("key", key).Warn("cache marshal failed")
		return
	}
	if err := store.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

var (
	_ domain.IdentityClient = (*IdentityClient)(nil)
	_ domain.CatalogClient  = (*CatalogClient)(nil)
	_ Store                 = (*redis.Client)(nil)
)
