// Copyright 2025 James Ross
// Package cron implements the Cron Scheduler (spec §4.6): the sole source
// of periodic work, enqueuing onto the Queue Manager's producer API on a
// fixed set of named, reentrancy-guarded schedules. Grounded on
// robfig/cron/v3 for expression parsing and ticking (already a teacher
// dependency, used here in place of the teacher's own absence of a
// scheduler — the teacher never had one, so the fixed-table shape follows
// spec.md §4.6/§9 "explicit registration table" design note directly). The
// reentrancy guard is an atomic.Bool CompareAndSwap, the same idiom as
// internal/manager's draining flag.
package cron

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
)

// CheckIn is the Tracing Sink's captureCheckIn shape (spec §6).
type CheckIn struct {
	MonitorSlug  string
	Status       string // in_progress | ok | error
	Duration     time.Duration
	ScheduleExpr string
}

// Sink is the subset of the Tracing/Error Sink contract the scheduler
// needs (spec §6); internal/tracing satisfies it.
type Sink interface {
	CaptureCheckIn(ctx context.Context, c CheckIn)
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

type noopSink struct{}

func (noopSink) CaptureCheckIn(context.Context, CheckIn)                 {}
func (noopSink) CaptureException(context.Context, error, map[string]string) {}

// TickFn is the work a schedule performs when its tick fires.
type TickFn func(ctx context.Context) error

// Schedule is one row of the fixed registration table (spec §4.6, §9
// "explicit registration table... {name, cronExpr, tickFn, reentrancyFlag}").
type Schedule struct {
	Name string
	Expr string
	Fn   TickFn

	running atomic.Bool
}

// IsRunning exposes the reentrancy flag as a test hook (spec §8 Testable
// Property 7: "observable via a test hook").
func (s *Schedule) IsRunning() bool { return s.running.Load() }

// Scheduler runs every registered Schedule on its own cron ticker,
// wrapping each tick in the reentrancy guard and the check-in
// observability wrapper.
type Scheduler struct {
	log  *zap.Logger
	clk  clock.Clock
	sink Sink

	cr        *cron.Cron
	schedules map[string]*Schedule
}

// New constructs a Scheduler. sink defaults to a no-op when nil.
func New(log *zap.Logger, clk clock.Clock, sink Sink) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Scheduler{
		log:       log,
		clk:       clk,
		sink:      sink,
		cr:        cron.New(),
		schedules: make(map[string]*Schedule),
	}
}

// Register adds one schedule. It must be called before Start.
func (s *Scheduler) Register(name, expr string, fn TickFn) (*Schedule, error) {
	sched := &Schedule{Name: name, Expr: expr, Fn: fn}
	if _, err := s.cr.AddFunc(expr, func() { s.fire(sched) }); err != nil {
		return nil, err
	}
	s.schedules[name] = sched
	return sched, nil
}

// Schedule returns a previously registered schedule by name, for tests
// that need to inspect IsRunning() or invoke Fire directly.
func (s *Scheduler) Schedule(name string) (*Schedule, bool) {
	sched, ok := s.schedules[name]
	return sched, ok
}

// Start begins ticking every registered schedule in the background.
func (s *Scheduler) Start() { s.cr.Start() }

// Stop halts ticking; in-flight ticks run to completion.
func (s *Scheduler) Stop() context.Context { return s.cr.Stop() }

// Fire runs one schedule's tick immediately, honoring the same reentrancy
// guard and check-in wrapper a cron-triggered fire would use. Tests call
// this directly instead of waiting for a real tick.
func (s *Scheduler) Fire(ctx context.Context, name string) {
	sched, ok := s.schedules[name]
	if !ok {
		return
	}
	s.fireCtx(ctx, sched)
}

func (s *Scheduler) fire(sched *Schedule) {
	s.fireCtx(context.Background(), sched)
}

func (s *Scheduler) fireCtx(ctx context.Context, sched *Schedule) {
	if !sched.running.CompareAndSwap(false, true) {
		s.log.Info("skipping — previous still running", zap.String("schedule", sched.Name))
		return
	}
	defer sched.running.Store(false)

	s.sink.CaptureCheckIn(ctx, CheckIn{MonitorSlug: sched.Name, Status: "in_progress", ScheduleExpr: sched.Expr})
	start := s.clk.Now()
	err := sched.Fn(ctx)
	duration := s.clk.Now().Sub(start)

	if err != nil {
		s.log.Error("cron tick failed", zap.String("schedule", sched.Name), zap.Error(err))
		s.sink.CaptureException(ctx, err, map[string]string{"schedule": sched.Name})
		s.sink.CaptureCheckIn(ctx, CheckIn{MonitorSlug: sched.Name, Status: "error", Duration: duration, ScheduleExpr: sched.Expr})
		return
	}
	s.sink.CaptureCheckIn(ctx, CheckIn{MonitorSlug: sched.Name, Status: "ok", Duration: duration, ScheduleExpr: sched.Expr})
}
