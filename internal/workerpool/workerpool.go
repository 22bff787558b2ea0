// Copyright 2025 James Ross
// Package workerpool implements the Worker Pool (spec §4.3): concurrent
// execution of processor functions bound to a queue, exponential-backoff
// retry on failure, dead-letter hand-off on attempt exhaustion, and
// visibility-timeout stall detection. Grounded on the teacher's
// internal/worker/worker.go (concurrency-per-queue pool shape, retry/DLQ
// decision) and internal/reaper/reaper.go (abandoned-job recovery, adapted
// from a per-worker-heartbeat scan to the spec's "heartbeat is implicit —
// a processor run that has not returned" visibility-timeout model).
package workerpool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/breaker"
	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/queue"
	"github.com/dhanam/jobqueue/internal/retry"
)

// JobContext is what a Processor sees at run start (spec §4.3: "set context
// (queue, jobId, attempt, payload, userId if present) and invoke the
// processor" — userId, when present, is a property of the Kind-specific
// payload and is left to individual processors to pull out of Payload).
type JobContext struct {
	JobID       string
	QueueName   queue.Name
	Kind        queue.Kind
	Attempt     int
	MaxAttempts int
	Payload     json.RawMessage
}

// Processor executes one job. It must be idempotent (spec glossary) since
// stall recovery and at-least-once delivery can invoke it more than once
// for the same Id.
type Processor func(ctx context.Context, jc JobContext) error

// ErrorSink is the subset of the Tracing/Error Sink contract (spec §6) the
// pool needs to report terminal failures; internal/tracing satisfies it.
type ErrorSink interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

type noopSink struct{}

func (noopSink) CaptureException(context.Context, error, map[string]string) {}

// ExhaustedHandler is invoked once a job's retry budget is spent; normally
// wired to a dlq.Store's Promote method by cmd/jobqueue. It never returns an
// error (spec §4.1: "DLQ operations never throw") since Promote already
// logs and swallows its own storage failures.
type ExhaustedHandler func(ctx context.Context, job queue.Job, failure queue.ErrorInfo)

type runner struct {
	queue       *queue.Queue
	concurrency int
	breaker     *breaker.CircuitBreaker
	stallWindow time.Duration
}

// Pool runs one or more queues' worker goroutines plus a shared stall
// reaper.
type Pool struct {
	log        *zap.Logger
	clk        clock.Clock
	sink       ErrorSink
	onExhaust  ExhaustedHandler
	reaperTick time.Duration

	mu         sync.Mutex
	processors map[queue.Kind]Processor
	runners    []*runner

	draining atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs a Pool. clk defaults to clock.Real{} and sink to a no-op
// when nil.
func New(log *zap.Logger, clk clock.Clock, sink ErrorSink, onExhaust ExhaustedHandler) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Pool{
		log:        log,
		clk:        clk,
		sink:       sink,
		onExhaust:  onExhaust,
		reaperTick: 5 * time.Second,
		processors: map[queue.Kind]Processor{},
		stop:       make(chan struct{}),
	}
}

// RegisterProcessor binds a Processor to a Kind. Jobs of unregistered Kinds
// fail with an UnregisteredKindError, which is retried and dead-lettered
// like any other processor error.
func (p *Pool) RegisterProcessor(kind queue.Kind, fn Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors[kind] = fn
}

// AddQueue registers a queue for consumption. concurrency is resolved by
// the caller (internal/config) from the QUEUE_{NAME}_CONCURRENCY
// convention (spec §4.3). cb may be nil for queues that don't need
// provider-outage protection.
func (p *Pool) AddQueue(q *queue.Queue, concurrency int, cb *breaker.CircuitBreaker, stallWindow time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if concurrency < 1 {
		concurrency = 1
	}
	if stallWindow <= 0 {
		stallWindow = 30 * time.Second
	}
	p.runners = append(p.runners, &runner{queue: q, concurrency: concurrency, breaker: cb, stallWindow: stallWindow})
}

// Start spawns every runner's worker goroutines plus the shared reaper.
// Returns immediately; workers stop when ctx is cancelled or Stop is
// called. Drain only keeps them from taking new jobs.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	runners := append([]*runner(nil), p.runners...)
	p.mu.Unlock()

	for _, r := range runners {
		for i := 0; i < r.concurrency; i++ {
			p.wg.Add(1)
			go p.work(ctx, r)
		}
	}
	p.wg.Add(1)
	go p.reap(ctx, runners)
}

func (p *Pool) work(ctx context.Context, r *runner) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}
		if p.draining.Load() {
			p.clk.Sleep(50 * time.Millisecond)
			continue
		}
		if r.breaker != nil && !r.breaker.Allow() {
			p.clk.Sleep(100 * time.Millisecond)
			continue
		}
		job, err := r.queue.Dequeue(ctx)
		if err == queue.ErrEmpty || err == queue.ErrPaused {
			p.clk.Sleep(100 * time.Millisecond)
			continue
		}
		if err != nil {
			p.log.Error("dequeue failed", zap.String("queue", string(r.queue.Name())), zap.Error(err))
			p.clk.Sleep(time.Second)
			continue
		}
		p.runJob(ctx, r, job)
	}
}

func (p *Pool) runJob(ctx context.Context, r *runner, job queue.Job) {
	p.mu.Lock()
	fn, ok := p.processors[job.Kind]
	p.mu.Unlock()

	var runErr error
	if !ok {
		runErr = &UnregisteredKindError{Kind: job.Kind}
	} else {
		jc := JobContext{
			JobID:       job.ID,
			QueueName:   job.QueueName,
			Kind:        job.Kind,
			Attempt:     job.Attempt(),
			MaxAttempts: job.MaxAttempts,
			Payload:     job.Payload,
		}
		runErr = fn(ctx, jc)
	}

	if r.breaker != nil {
		r.breaker.Record(runErr == nil)
	}

	if runErr == nil {
		if err := r.queue.Complete(ctx, job); err != nil {
			p.log.Error("complete failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	failure := queue.ErrorInfo{Message: runErr.Error()}
	if job.ExhaustedAttempts() {
		p.sink.CaptureException(ctx, runErr, map[string]string{
			"dlq":   "true",
			"queue": string(job.QueueName),
			"jobId": job.ID,
		})
		if err := r.queue.Exhaust(ctx, job, failure); err != nil {
			p.log.Error("exhaust failed", zap.String("job", job.ID), zap.Error(err))
		}
		if p.onExhaust != nil {
			p.onExhaust(ctx, job, failure)
		}
		return
	}

	delay := retry.Backoff(job.AttemptsMade, r.queue.Policy().BaseBackoff)
	if err := r.queue.Retry(ctx, job, delay, failure); err != nil {
		p.log.Error("retry failed", zap.String("job", job.ID), zap.Error(err))
	}
}

// reap periodically scans every runner's active list for jobs whose
// processor has run past the stall window and re-offers them. It re-arms
// p.clk.After itself each pass rather than a real time.Ticker, matching the
// clock-injection discipline the rest of the pool follows (see
// Manager.Drain's identical re-arming loop) so a fake clock in tests can
// drive the reaper deterministically.
func (p *Pool) reap(ctx context.Context, runners []*runner) {
	defer p.wg.Done()
	tick := p.clk.After(p.reaperTick)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-tick:
			for _, r := range runners {
				p.reapOnce(ctx, r)
			}
			tick = p.clk.After(p.reaperTick)
		}
	}
}

func (p *Pool) reapOnce(ctx context.Context, r *runner) {
	active, err := r.queue.ActiveSnapshot(ctx)
	if err != nil {
		p.log.Warn("reaper snapshot failed", zap.String("queue", string(r.queue.Name())), zap.Error(err))
		return
	}
	now := p.clk.Now()
	for _, job := range active {
		if job.FirstPickedAt == nil {
			continue
		}
		if now.Sub(*job.FirstPickedAt) < r.stallWindow {
			continue
		}
		if err := r.queue.Reoffer(ctx, job); err != nil {
			p.log.Error("reoffer failed", zap.String("job", job.ID), zap.Error(err))
		}
	}
}

// Drain stops handing out new jobs and waits for in-flight work to finish,
// up to timeout, mirroring spec §4.1 step 3's poll loop. Manager.Drain
// runs its own loop and does not call this.
func (p *Pool) Drain(ctx context.Context, timeout time.Duration, activeCount func() int64) (time.Duration, error) {
	p.draining.Store(true)
	start := p.clk.Now()
	deadline := start.Add(timeout)
	for {
		if activeCount() == 0 {
			return p.clk.Now().Sub(start), nil
		}
		if !p.clk.Now().Before(deadline) {
			return timeout, context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return p.clk.Now().Sub(start), ctx.Err()
		case <-p.clk.After(time.Second):
		}
	}
}

// Stop signals every worker and reaper goroutine to return. It does not
// wait for in-flight jobs — callers that need that should call Drain first.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Wait blocks until every worker and reaper goroutine has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// UnregisteredKindError is returned when a job's Kind has no bound
// Processor. It is treated like any other processor throw (spec §7
// ValidationError propagation through the worker path: retried up to
// MaxAttempts, then DLQ) since a job should never reach a queue without
// its Kind already being registered in production.
type UnregisteredKindError struct {
	Kind queue.Kind
}

func (e *UnregisteredKindError) Error() string {
	return "workerpool: no processor registered for kind " + string(e.Kind)
}
