package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — сколько хранится ответ по Idempotency-Key.
const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyReused — ключ уже использован с другим телом запроса.
	ErrKeyReused = errors.New("idempotency key is already used with different request payload")
	// ErrInFlight — запрос с тем же ключом ещё выполняется.
	ErrInFlight = errors.New("request with the same idempotency key is already processing")
)

// Response — сохранённый HTTP-ответ.
type Response struct {
	Status   int
	Body     []byte
	Replayed bool
}

// Guard выполняет обработчик не более одного раза на ключ и отдаёт сохранённый ответ при повторе.
// Сохраняются 2xx и 4xx; после 5xx ключ освобождается.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewGuard создаёт Guard поверх репозитория ключей. ttl <= 0 означает DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{repo: repo, ttl: ttl, now: time.Now, logger: logger}
}

// Execute запускает fn под ключом key. Пустой key или отсутствие репозитория — обычный вызов.
// Хэш учитывает scope (метод и маршрут) и тело запроса.
func (g *Guard) Execute(key, scope string, request []byte, fn func() Response) (Response, error) {
	key = strings.TrimSpace(key)
	if g == nil || g.repo == nil || key == "" {
		return fn(), nil
	}

	hash := RequestHash(scope, request)
	record, err := g.repo.CreateProcessing(key, hash, g.now().UTC().Add(g.ttl))
	if err != nil {
		return g.replay(key, err, record)
	}

	resp := fn()
	switch {
	case resp.Status >= http.StatusOK && resp.Status < http.StatusMultipleChoices:
		err = g.repo.MarkDone(key, resp.Body, resp.Status)
	case Retryable(resp.Status):
		// 5xx не кешируем: клиент повторит с тем же ключом, когда сервис поднимется.
		err = g.repo.Release(key)
	default:
		err = g.repo.MarkFailed(key, resp.Body, resp.Status)
	}
	if err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": key,
			"status":          resp.Status,
		}).Warn("failed to store idempotent response")
	}
	return resp, nil
}

// Retryable — ответ с таким статусом не окончательный и не хранится под ключом.
func Retryable(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func (g *Guard) replay(key string, createErr error, record domain.IdempotencyRecord) (Response, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, ErrKeyReused
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status == domain.IdempotencyStatusProcessing {
			return Response{}, ErrInFlight
		}
		if !record.Replayable() {
			return Response{}, fmt.Errorf("idempotency record %q has no stored response", key)
		}
		return Response{Status: record.HTTPStatus, Body: record.ResponseBody, Replayed: true}, nil
	default:
		g.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return Response{}, fmt.Errorf("create idempotency record: %w", createErr)
	}
}

// RequestHash — sha256 от scope и тела запроса.
func RequestHash(scope string, request []byte) string {
	payload := make([]byte, 0, len(scope)+1+len(request))
	payload = append(payload, scope...)
	payload = append(payload, ':')
	payload = append(payload, request...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
