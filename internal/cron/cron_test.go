// Copyright 2025 James Ross
package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
)

type recordingSink struct {
	mu      sync.Mutex
	checkIns []CheckIn
	excs     int
}

func (r *recordingSink) CaptureCheckIn(_ context.Context, c CheckIn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkIns = append(r.checkIns, c)
}

func (r *recordingSink) CaptureException(context.Context, error, map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excs++
}

func TestFireRunsTickAndReportsOK(t *testing.T) {
	sink := &recordingSink{}
	s := New(zap.NewNop(), clock.NewFake(time.Now()), sink)
	ran := false
	if _, err := s.Register("nightly-report", "0 2 * * *", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.Fire(context.Background(), "nightly-report")

	if !ran {
		t.Fatal("tick function never ran")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.checkIns) != 2 {
		t.Fatalf("check-ins = %d, want 2 (in_progress + ok)", len(sink.checkIns))
	}
	if sink.checkIns[0].Status != "in_progress" || sink.checkIns[1].Status != "ok" {
		t.Fatalf("unexpected check-in sequence: %+v", sink.checkIns)
	}
}

func TestFirePropagatesErrorAsCaptureExceptionNotPanic(t *testing.T) {
	sink := &recordingSink{}
	s := New(zap.NewNop(), clock.NewFake(time.Now()), sink)
	want := errors.New("boom")
	if _, err := s.Register("esg-refresh", "0 6 * * *", func(ctx context.Context) error {
		return want
	}); err != nil {
		t.Fatal(err)
	}

	s.Fire(context.Background(), "esg-refresh")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.excs != 1 {
		t.Fatalf("exceptions captured = %d, want 1", sink.excs)
	}
	if sink.checkIns[len(sink.checkIns)-1].Status != "error" {
		t.Fatalf("final check-in status = %q, want error", sink.checkIns[len(sink.checkIns)-1].Status)
	}
}

func TestReentrancyGuardSkipsOverlappingFire(t *testing.T) {
	sink := &recordingSink{}
	s := New(zap.NewNop(), clock.NewFake(time.Now()), sink)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex

	sched, err := s.Register("sync-all-connections", "*/15 * * * *", func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Fire(context.Background(), "sync-all-connections")
	}()

	<-started
	if !sched.IsRunning() {
		t.Fatal("IsRunning should be true while the tick is in flight")
	}

	// A second fire while the first is still running must be skipped.
	s.Fire(context.Background(), "sync-all-connections")

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 (overlapping fire should have been skipped)", runs)
	}
	if sched.IsRunning() {
		t.Fatal("IsRunning should be false once the tick completes")
	}
}

func TestFireUnknownScheduleIsNoop(t *testing.T) {
	s := New(zap.NewNop(), clock.NewFake(time.Now()), nil)
	s.Fire(context.Background(), "does-not-exist")
}
