// Copyright 2025 James Ross
package manager

import (
	"context"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/queue"
)

func newTestManager(t *testing.T, clk clock.Clock) *Manager {
	t.Helper()
	mem := kvstore.NewMemory(clk.Now)
	return New(mem, "test", false, clk, zap.NewNop())
}

func TestEnqueueSyncBuildsExpectedID(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)
	ctx := context.Background()

	id, err := m.EnqueueSync(ctx, SyncPayload{Provider: "plaid", UserID: "u1"}, 50)
	if err != nil {
		t.Fatal(err)
	}
	want := "sync-plaid-u1-" + strconv.FormatInt(clk.Now().UnixMilli(), 10)
	if id != want {
		t.Fatalf("id = %q, want %q", id, want)
	}

	q, err := m.Queue(queue.SyncTransactions)
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5 (sync-transactions provisioning)", job.MaxAttempts)
	}
}

func TestEnqueueEmailRemapsPriority(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := newTestManager(t, clk)
	ctx := context.Background()

	cases := []struct {
		in   string
		want int
	}{{"high", 80}, {"", 40}, {"bogus", 40}, {"low", 10}}
	for _, c := range cases {
		if _, err := m.EnqueueEmail(ctx, EmailPayload{To: "a@b.com", Template: "t", Priority: c.in}); err != nil {
			t.Fatal(err)
		}
	}

	q, err := m.Queue(queue.EmailNotifications)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cases {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job.Priority != c.want {
			t.Fatalf("priority for input %q = %d, want %d", c.in, job.Priority, c.want)
		}
	}
}

func TestEnqueueSnapshotIsStablePerDay(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk)
	ctx := context.Background()

	id1, err := m.EnqueueSnapshot(ctx, SnapshotPayload{SpaceID: "s1"}, 50)
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * time.Hour)
	id2, err := m.EnqueueSnapshot(ctx, SnapshotPayload{SpaceID: "s1"}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ within the same day: %q vs %q", id1, id2)
	}
	if id1 != "snapshot-s1-20260301" {
		t.Fatalf("id = %q, want snapshot-s1-20260301", id1)
	}

	q, err := m.Queue(queue.ValuationSnapshots)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1 (two same-day enqueues must collapse to one entry)", stats.Waiting)
	}
}

func TestEnqueueRejectedWhileDraining(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := newTestManager(t, clk)
	ctx := context.Background()

	if err := m.Drain(ctx, 5*time.Second, func(context.Context) (int64, error) { return 0, nil }); err != nil {
		t.Fatal(err)
	}

	if m.IsAccepting() {
		t.Fatal("IsAccepting should be false after drain")
	}
	if _, err := m.EnqueueSync(ctx, SyncPayload{Provider: "p", UserID: "u"}, 50); err != ErrDraining {
		t.Fatalf("err = %v, want ErrDraining", err)
	}
}

func TestDrainTimesOutWithResidualActive(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := newTestManager(t, clk)
	ctx := context.Background()

	// timeout=0 means the deadline equals the start time, so the very
	// first poll already satisfies "timeoutMs elapses" without needing a
	// second goroutine to advance the fake clock concurrently.
	err := m.Drain(ctx, 0, func(context.Context) (int64, error) { return 1, nil })
	if err != nil {
		t.Fatalf("Drain returned error %v, want nil (timeout is logged, not propagated)", err)
	}
	if m.IsAccepting() {
		t.Fatal("IsAccepting should still be false after a timed-out drain")
	}
}

func TestUnknownQueueAdminOpFails(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := newTestManager(t, clk)
	ctx := context.Background()
	if _, err := m.QueueStats(ctx, queue.Name("not-a-queue")); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}
