package saga

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// RetryConfig конфигурация для retry логики компенсаций.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	return c
}

// retry выполняет fn, пока ошибка временная и не исчерпан бюджет попыток.
// Возвращает число сделанных попыток и последнюю ошибку.
func retry(ctx context.Context, cfg RetryConfig, logger *log.Entry, operation string, fn func(ctx context.Context) error) (int, error) {
	cfg = cfg.normalized()
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Info("operation succeeded after retry")
			}
			return attempt, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			logger.WithError(err).WithField("operation", operation).Warn("operation failed with non-retryable error")
			return attempt, err
		}

		if attempt < cfg.MaxAttempts {
			logger.WithError(err).WithFields(log.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay,
			}).Warn("operation failed, retrying")

			if err := sleep(ctx, delay); err != nil {
				return attempt, lastErr
			}

			// Экспоненциальная задержка с ограничением
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	logger.WithError(lastErr).WithFields(log.Fields{
		"operation":    operation,
		"max_attempts": cfg.MaxAttempts,
	}).Error("operation failed after all retry attempts")
	return cfg.MaxAttempts, lastErr
}

// shouldRetry определяет, стоит ли повторять операцию при данной ошибке.
func shouldRetry(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest,
		domain.KindNotFound,
		domain.KindInsufficientStock,
		domain.KindInvalidStateTransition:
		return false
	case domain.KindUpstreamRejected:
		// 4xx от склада не исправится повтором
		var typed *domain.Error
		if errors.As(err, &typed) && typed.StatusCode >= 400 && typed.StatusCode < 500 {
			return false
		}
	}
	// Сетевые сбои, отказы внешних сервисов и неизвестные ошибки повторяем
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
