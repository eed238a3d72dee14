package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig doubles from one second and caps at one minute.
// Jitter is off so test runs are reproducible.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 1000,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
	}
}

func (c BackoffConfig) sanitized() BackoffConfig {
	if c.InitialDelayMS < 0 {
		c.InitialDelayMS = 0
	}
	if c.MaxDelayMS < 0 {
		c.MaxDelayMS = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.0
	}
	return c
}

// DelayForAttempt is the wait before retry number attempt (1-indexed):
// initial * factor^(attempt-1), capped, then optionally jittered.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	cfg = cfg.sanitized()
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// Retrying retries retryable failures of the wrapped Generator. MaxRetries
// is the total number of attempts; values below one mean a single attempt.
type Retrying struct {
	Next       Generator
	MaxRetries int
	Backoff    BackoffConfig
	Logger     *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrying(next Generator, maxRetries int, backoff BackoffConfig) *Retrying {
	return &Retrying{Next: next, MaxRetries: maxRetries, Backoff: backoff}
}

func (r *Retrying) Generate(ctx context.Context, p Prompt) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := r.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d := DelayForAttempt(attempt, r.Backoff, fmt.Sprintf("%s:%d", p.Purpose, attempt))
			var e Error
			if errors.As(lastErr, &e) && e.RetryAfter() != nil && *e.RetryAfter() > d {
				d = *e.RetryAfter()
			}
			logger.Warn("llm.retry", "stage", p.Stage, "purpose", p.Purpose, "attempt", attempt, "delay", d, "err", lastErr)
			if err := sleep(ctx, d); err != nil {
				return "", err
			}
		}
		out, err := r.Next.Generate(ctx, p)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
