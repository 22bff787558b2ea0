// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
)

func newTestQueue(t *testing.T, clk clock.Clock) *Queue {
	t.Helper()
	return New(kvstore.NewMemory(clk.Now), "test", SyncTransactions, DefaultPolicy(), clk)
}

func mustEnqueue(t *testing.T, q *Queue, id string, priority int, delay time.Duration) {
	t.Helper()
	err := q.Enqueue(context.Background(), Job{
		ID:        id,
		QueueName: q.Name(),
		Kind:      KindSyncTransactions,
		Payload:   json.RawMessage(`{}`),
		Priority:  priority,
		Delay:     delay,
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestPriorityThenFIFOOrdering(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := context.Background()

	mustEnqueue(t, q, "jobA", 10, 0)
	clk.Advance(time.Millisecond)
	mustEnqueue(t, q, "jobB", 50, 0)
	clk.Advance(time.Millisecond)
	mustEnqueue(t, q, "jobC", 50, 0)

	want := []string{"jobB", "jobC", "jobA"}
	for _, id := range want {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job.ID != id {
			t.Fatalf("dequeued %s, want %s", job.ID, id)
		}
	}
	if _, err := q.Dequeue(ctx); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestDelayRespected(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := context.Background()

	mustEnqueue(t, q, "delayed-job", 10, 2*time.Second)

	if _, err := q.Dequeue(ctx); err != ErrEmpty {
		t.Fatalf("expected job to be ineligible yet, got %v", err)
	}
	clk.Advance(2*time.Second + time.Millisecond)
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if job.ID != "delayed-job" {
		t.Fatalf("got %s, want delayed-job", job.ID)
	}
}

func TestEnqueueOnceSuppressesDuplicateIdAcrossAdvancingClock(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	q := newTestQueue(t, clk)
	ctx := context.Background()

	job := Job{ID: "snapshot-s1-20260101", QueueName: q.Name(), Kind: KindValuationSnapshot, Payload: json.RawMessage(`{}`)}
	if err := q.EnqueueOnce(ctx, job, 25*time.Hour); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * time.Hour)
	if err := q.EnqueueOnce(ctx, job, 25*time.Hour); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1 after two EnqueueOnce calls with the same Id", stats.Waiting)
	}

	clk.Advance(23 * time.Hour)
	if err := q.EnqueueOnce(ctx, job, 25*time.Hour); err != nil {
		t.Fatal(err)
	}
	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 2 {
		t.Fatalf("waiting = %d, want 2 once the reservation TTL has elapsed", stats.Waiting)
	}
}

func TestPauseResume(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := newTestQueue(t, clk)
	ctx := context.Background()
	mustEnqueue(t, q, "job", 10, 0)

	if err := q.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != ErrPaused {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := q.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue after resume: %v", err)
	}
}

func TestRetryReschedulesWithIncrementedAttempts(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := newTestQueue(t, clk)
	ctx := context.Background()
	mustEnqueue(t, q, "job", 10, 0)

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Retry(ctx, job, time.Second, ErrorInfo{Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != ErrEmpty {
		t.Fatalf("job should not be eligible before its retry delay elapses, got %v", err)
	}
	clk.Advance(time.Second + time.Millisecond)
	retried, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if retried.AttemptsMade != 1 {
		t.Fatalf("AttemptsMade = %d, want 1", retried.AttemptsMade)
	}
	if retried.LastError == nil || retried.LastError.Message != "boom" {
		t.Fatalf("LastError = %+v, want boom", retried.LastError)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Failed != 1 {
		t.Fatalf("Failed history = %d, want 1", stats.Failed)
	}
}

func TestCompleteRecordsHistoryAndClearsActive(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := newTestQueue(t, clk)
	ctx := context.Background()
	mustEnqueue(t, q, "job", 10, 0)
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Active != 0 {
		t.Fatalf("Active = %d, want 0", stats.Active)
	}
	if stats.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", stats.Completed)
	}
}

func TestClearAll(t *testing.T) {
	clk := clock.NewFake(time.Now())
	q := newTestQueue(t, clk)
	ctx := context.Background()
	mustEnqueue(t, q, "a", 10, 0)
	mustEnqueue(t, q, "b", 10, time.Minute)
	if err := q.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 0 || stats.Delayed != 0 {
		t.Fatalf("stats after ClearAll = %+v, want zeroed", stats)
	}
}
