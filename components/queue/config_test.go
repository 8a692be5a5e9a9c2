package queue

import (
	"testing"
	"time"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg.Retry.Initial != time.Second || cfg.Retry.Max != 30*time.Second {
		t.Fatalf("unexpected default retry: %+v", cfg.Retry)
	}

	cfg = NewConfig(
		WithCapacity(16),
		WithCapacity(0),
		WithPrefetch(8),
		WithPrefetch(-1),
		WithRetry(Retry{Attempts: 2}),
	)
	if cfg.Capacity != 16 {
		t.Fatalf("expected Capacity=16, got %d", cfg.Capacity)
	}
	if cfg.Prefetch != 8 {
		t.Fatalf("expected Prefetch=8, got %d", cfg.Prefetch)
	}
	if cfg.Retry.Attempts != 2 {
		t.Fatalf("expected Attempts=2, got %d", cfg.Retry.Attempts)
	}
}

func TestDiscardLogger(t *testing.T) {
	logger := DiscardLogger()
	if logger == nil {
		t.Fatalf("expected logger")
	}
	logger.WithField("k", "v").Infof("dropped %d", 1)
}
