// Copyright 2025 James Ross
package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/queue"
)

func testJob(id string) queue.Job {
	return queue.Job{
		ID:           id,
		QueueName:    queue.SyncTransactions,
		Kind:         queue.KindSyncTransactions,
		Payload:      json.RawMessage(`{"userId":"u1"}`),
		Priority:     80,
		AttemptsMade: 4,
		MaxAttempts:  5,
	}
}

func newTestStore(clk clock.Clock) (*Store, kvstore.Store) {
	mem := kvstore.NewMemory(clk.Now)
	return New(mem, "test", clk, zap.NewNop()), mem
}

func TestPromoteAndListAndStats(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()

	job := testJob("job-1")
	store.Promote(ctx, job, queue.ErrorInfo{Message: "boom"})

	entries := store.List(ctx, 10)
	if len(entries) != 1 || entries[0].ID != "job-1" {
		t.Fatalf("List = %+v", entries)
	}
	if string(entries[0].Payload) != string(job.Payload) {
		t.Fatalf("Payload = %s, want %s", entries[0].Payload, job.Payload)
	}
	if Severity(job.AttemptsMade, job.MaxAttempts) != "error" {
		t.Fatalf("Severity on final attempt should be error")
	}

	stats := store.Stats(ctx, []queue.Name{queue.SyncTransactions})
	if stats.Total != 1 || stats.ByQueue[queue.SyncTransactions] != 1 {
		t.Fatalf("Stats = %+v", stats)
	}
}

func TestRetryRoundTripsKindAndPayloadAndRemintsID(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()

	job := testJob("job-2")
	store.Promote(ctx, job, queue.ErrorInfo{Message: "boom"})

	var got queue.Job
	enqueue := func(_ context.Context, j queue.Job) error {
		got = j
		return nil
	}
	if !store.Retry(ctx, "job-2", enqueue) {
		t.Fatal("Retry returned false, want true")
	}
	if got.Kind != job.Kind || string(got.Payload) != string(job.Payload) {
		t.Fatalf("retried job = %+v, want Kind/Payload to match original %+v", got, job)
	}
	if got.ID == job.ID {
		t.Fatalf("retried job ID = %q, want a freshly minted retry-... id", got.ID)
	}

	stats := store.Stats(ctx, []queue.Name{queue.SyncTransactions})
	if stats.Total != 0 {
		t.Fatalf("Total = %d, want 0 after retry removed the entry", stats.Total)
	}
}

func TestRetryUnknownIDReturnsFalse(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()
	if store.Retry(ctx, "missing", func(context.Context, queue.Job) error { return nil }) {
		t.Fatal("expected false for unknown entry id")
	}
}

func TestRetryByOriginalQueue(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		store.Promote(ctx, testJob(id), queue.ErrorInfo{Message: "boom"})
	}
	n := 0
	enqueue := func(_ context.Context, j queue.Job) error { n++; return nil }
	retried := store.RetryByOriginalQueue(ctx, queue.SyncTransactions, enqueue)
	if retried != 3 || n != 3 {
		t.Fatalf("retried = %d, n = %d, want 3/3", retried, n)
	}
}

func TestPrune(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()

	store.Promote(ctx, testJob("old"), queue.ErrorInfo{Message: "x"})
	clk.Advance(10 * 24 * time.Hour)
	store.Promote(ctx, testJob("new"), queue.ErrorInfo{Message: "x"})

	pruned := store.Prune(ctx, 7)
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	entries := store.List(ctx, 10)
	if len(entries) != 1 || entries[0].ID != "new" {
		t.Fatalf("List after prune = %+v", entries)
	}
}

func TestClearAll(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store, _ := newTestStore(clk)
	ctx := context.Background()
	store.Promote(ctx, testJob("a"), queue.ErrorInfo{Message: "x"})
	n := store.ClearAll(ctx, []queue.Name{queue.SyncTransactions})
	if n != 1 {
		t.Fatalf("ClearAll returned %d, want 1", n)
	}
	stats := store.Stats(ctx, []queue.Name{queue.SyncTransactions})
	if stats.Total != 0 {
		t.Fatalf("Total = %d, want 0", stats.Total)
	}
}
