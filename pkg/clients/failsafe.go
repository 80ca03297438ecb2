package clients

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"devicemanager/pkg/logging"
)

// RetryConfig configures exponential backoff retries.
type RetryConfig struct {
	// Name identifies the retried operation in logs.
	Name string

	// MaxRetries bounds the number of retries after the first attempt.
	// A negative value retries until the context is done.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// ShouldRetry selects retryable errors. Nil retries every error.
	ShouldRetry func(err error) bool

	Logger logging.Logger
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:       name,
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = -1
	}
	return cfg
}

// NewRetryPolicy creates a failsafe retry policy from cfg.
func NewRetryPolicy[T any](cfg RetryConfig) retrypolicy.RetryPolicy[T] {
	cfg = normalizeRetryConfig(cfg)
	builder := retrypolicy.NewBuilder[T]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1)

	shouldRetry := cfg.ShouldRetry
	builder = builder.HandleIf(func(_ T, err error) bool {
		if err == nil {
			return false
		}
		if shouldRetry == nil {
			return true
		}
		return shouldRetry(err)
	})

	return builder.Build()
}

// Retry runs fn until it succeeds, a non-retryable error is returned,
// retries are exhausted or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	policy := NewRetryPolicy[any](cfg)
	attempt := 0
	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		attempt++
		err := fn(ctx)
		if err != nil && cfg.Logger != nil {
			cfg.Logger.WithFields(logging.Fields{
				"operation": cfg.Name,
				"attempt":   attempt,
			}).WithError(err).Warn("attempt failed")
		}
		return nil, err
	})
	return err
}
