// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("TEST_MODE")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerPool.DefaultConcurrency != 5 {
		t.Fatalf("expected default concurrency 5, got %d", cfg.WorkerPool.DefaultConcurrency)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.WorkerPool.DefaultConcurrency = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker_pool.default_concurrency < 1")
	}
	cfg = defaultConfig()
	cfg.WorkerPool.StallWindow = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker_pool.stall_window <= 0")
	}
	cfg = defaultConfig()
	cfg.Namespace = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics_port")
	}
}

func TestQueueConcurrencyFallsBackWithoutEnv(t *testing.T) {
	os.Unsetenv("QUEUE_SYNC_TRANSACTIONS_CONCURRENCY")
	if got := QueueConcurrency("sync-transactions", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestQueueConcurrencyReadsEnvOverride(t *testing.T) {
	os.Setenv("QUEUE_SYNC_TRANSACTIONS_CONCURRENCY", "12")
	defer os.Unsetenv("QUEUE_SYNC_TRANSACTIONS_CONCURRENCY")
	if got := QueueConcurrency("sync-transactions", 7); got != 12 {
		t.Fatalf("expected override 12, got %d", got)
	}
}
