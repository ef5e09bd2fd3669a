package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// RESILIENT ENGINE - retries + circuit breaker around a provider
// =============================================================================

// ResilientConfig tunes the retry and breaker behavior.
type ResilientConfig struct {
	MaxRetries       int           // attempts per call (default 3)
	BaseDelay        time.Duration // first retry delay (default 1s, doubles per attempt)
	MaxDelay         time.Duration // backoff cap (default 10s)
	CallTimeout      time.Duration // per-attempt timeout (default 30s)
	BreakerThreshold uint32        // consecutive failures before the breaker opens (default 5)
	BreakerTimeout   time.Duration // open state duration before a half-open probe (default 60s)
}

func (c *ResilientConfig) fillDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 60 * time.Second
	}
}

// ResilientEngine wraps a provider engine with per-call timeouts, retries
// with exponential backoff, and a circuit breaker. When the breaker is open,
// calls fail fast with a degraded-service error so callers can fall back
// (store without embedding, skip semantic prediction) instead of blocking.
type ResilientEngine struct {
	inner   Engine
	cfg     ResilientConfig
	breaker *gobreaker.CircuitBreaker
}

// NewResilientEngine wraps an engine with retry and breaker behavior.
func NewResilientEngine(inner Engine, cfg ResilientConfig) *ResilientEngine {
	cfg.fillDefaults()

	settings := gobreaker.Settings{
		Name:        "embedding:" + inner.Name(),
		MaxRequests: 1, // single probe in half-open
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Embedding("Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &ResilientEngine{
		inner:   inner,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Available reports whether the breaker currently admits calls.
func (e *ResilientEngine) Available() bool {
	return e.breaker.State() != gobreaker.StateOpen
}

// Embed generates an embedding with retries; fails fast when the breaker is open.
func (e *ResilientEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.withRetries(ctx, "Embed", func(callCtx context.Context) (interface{}, error) {
			return e.inner.Embed(callCtx, text)
		})
	})
	if err != nil {
		return nil, e.wrapErr(err)
	}
	return result.([]float32), nil
}

// EmbedBatch generates embeddings with retries; fails fast when the breaker is open.
func (e *ResilientEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.withRetries(ctx, "EmbedBatch", func(callCtx context.Context) (interface{}, error) {
			return e.inner.EmbedBatch(callCtx, texts)
		})
	})
	if err != nil {
		return nil, e.wrapErr(err)
	}
	if result == nil {
		return nil, nil
	}
	return result.([][]float32), nil
}

// Dimensions returns the wrapped engine's dimensionality.
func (e *ResilientEngine) Dimensions() int { return e.inner.Dimensions() }

// Name returns the wrapped engine's name.
func (e *ResilientEngine) Name() string { return e.inner.Name() }

// HealthCheck delegates to the wrapped engine when supported.
func (e *ResilientEngine) HealthCheck(ctx context.Context) error {
	if hc, ok := e.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// withRetries runs fn up to MaxRetries times with exponential backoff.
// Retries stop early when the parent context is done.
func (e *ResilientEngine) withRetries(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	delay := e.cfg.BaseDelay

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		result, err := fn(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		logging.EmbeddingDebug("%s attempt %d/%d failed: %v", op, attempt, e.cfg.MaxRetries, err)

		if attempt == e.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.cfg.MaxDelay {
			delay = e.cfg.MaxDelay
		}
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", op, e.cfg.MaxRetries, lastErr)
}

// wrapErr maps breaker rejections to the degraded-service error kind.
func (e *ResilientEngine) wrapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.Degradedf("embedding provider unavailable (circuit open)")
	}
	return err
}
