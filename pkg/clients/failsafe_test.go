package clients

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestRetryEventuallySucceeds(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := RetryConfig{Name: "dial", MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Logger: logger}

	var attempts int32
	err := Retry(context.Background(), cfg, func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(hook.AllEntries()) != 2 {
		t.Fatalf("expected 2 logged failures, got %d", len(hook.AllEntries()))
	}
}

func TestRetryStopsAtLimit(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	var attempts int32
	err := Retry(context.Background(), cfg, func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("still down")
	})
	if err == nil {
		t.Fatalf("expected failure after retries")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 1 + 2 retries, got %d", got)
	}
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	fatal := errors.New("unauthorized")
	cfg := RetryConfig{
		MaxRetries:  5,
		BaseDelay:   time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, fatal) },
	}

	var attempts int32
	err := Retry(context.Background(), cfg, func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRetryUnlimitedHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cfg := RetryConfig{MaxRetries: -1, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}

	start := time.Now()
	err := Retry(ctx, cfg, func(context.Context) error { return errors.New("down") })
	if err == nil {
		t.Fatalf("expected error once context expires")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("retry loop ignored context cancellation")
	}
}
