package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	// DefaultTimeout — таймаут одного обращения к внешнему сервису.
	DefaultTimeout = 5 * time.Second

	maxErrorBody = 64 << 10
)

// Результаты вызова для метрик.
const (
	OutcomeOK          = "ok"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
	OutcomeNotFound    = "not_found"
)

var errServerStatus = errors.New("upstream returned 5xx")

// Observer получает длительность и исход каждого вызова.
type Observer func(service, outcome string, elapsed time.Duration)

// Request описывает один вызов внешнего сервиса.
type Request struct {
	Method string
	Path   string
	Body   any
	Header map[string]string
	// Resource подставляется в NotFound при ответе 404.
	Resource string
}

// ErrorBody — тело ошибки, которое отдают внешние сервисы.
type ErrorBody struct {
	Error     string `json:"error"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

// Caller выполняет JSON-запросы к одному внешнему сервису и переводит
// ответы в типизированные ошибки domain.Error.
type Caller struct {
	service  string
	baseURL  string
	client   *http.Client
	breaker  *CircuitBreaker
	logger   *log.Entry
	tracer   trace.Tracer
	observer Observer
}

// Option настраивает Caller.
type Option func(*Caller)

// WithHTTPClient подменяет HTTP-клиент (например, в тестах).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) {
		if client != nil {
			c.client = client
		}
	}
}

// WithBreaker задаёт circuit breaker.
func WithBreaker(breaker *CircuitBreaker) Option {
	return func(c *Caller) {
		c.breaker = breaker
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Caller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver подключает сбор метрик вызовов.
func WithObserver(observer Observer) Option {
	return func(c *Caller) {
		c.observer = observer
	}
}

// NewCaller создаёт вызывающую сторону для сервиса service с базовым адресом baseURL.
func NewCaller(service, baseURL string, timeout time.Duration, opts ...Option) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Caller{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.New().WithField("component", service+"-client"),
		tracer:  otel.Tracer("storefront/client/" + service),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service возвращает имя внешнего сервиса.
func (c *Caller) Service() string {
	return c.service
}

// Do выполняет запрос и декодирует успешный ответ в out.
// Любая ошибка — *domain.Error: таймаут и обрыв соединения дают UpstreamUnavailable,
// 404 — NotFound, 400 с available/requested — InsufficientStock, остальное — UpstreamRejected.
func (c *Caller) Do(ctx context.Context, req Request, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, c.service+" "+req.Method+" "+req.Path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	started := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		span.SetAttributes(attribute.String("upstream.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if c.observer != nil {
			c.observer(c.service, outcome, time.Since(started))
		}
	}()

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return domain.UpstreamRejected(c.service, 0, err.Error())
	}

	var resp *http.Response
	call := func() error {
		var callErr error
		resp, callErr = c.client.Do(httpReq)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	}
	if c.breaker != nil {
		err = c.breaker.Execute(c.service, call)
	} else {
		err = call()
	}
	if err != nil && !errors.Is(err, errServerStatus) {
		c.logger.WithError(err).WithFields(log.Fields{
			"method": req.Method,
			"path":   req.Path,
		}).Warn("upstream call failed")
		return domain.UpstreamUnavailable(c.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.UpstreamRejected(c.service, resp.StatusCode, "malformed response body")
		}
		return nil
	}

	var body ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resource := req.Resource
		if resource == "" {
			resource = c.service + " resource"
		}
		return domain.NotFound(resource)
	case resp.StatusCode == http.StatusBadRequest && body.Available != nil && body.Requested != nil:
		return domain.InsufficientStock(*body.Available, *body.Requested)
	default:
		c.logger.WithFields(log.Fields{
			"method": req.Method,
			"path":   req.Path,
			"status": resp.StatusCode,
			"error":  body.Error,
		}).Warn("upstream rejected request")
		return domain.UpstreamRejected(c.service, resp.StatusCode, body.Error)
	}
}

func (c *Caller) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var payload io.Reader = http.NoBody
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Header {
		httpReq.Header.Set(key, value)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func outcomeOf(err error) string {
	switch domain.KindOf(err) {
	case "":
		if err != nil {
			return OutcomeUnavailable
		}
		return OutcomeOK
	case domain.KindUpstreamUnavailable:
		return OutcomeUnavailable
	case domain.KindNotFound:
		return OutcomeNotFound
	default:
		return OutcomeRejected
	}
}
