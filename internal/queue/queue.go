// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
)

// scoreEpoch anchors the ready-queue score computation so that millisecond
// offsets stay small enough to combine with the priority term without losing
// precision in a float64 (53 bits of exact integer mantissa).
var scoreEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// readyScore orders the ready sorted set by priority first (higher priority
// sorts lower, since ZPopMin returns the minimum), then by EnqueuedAt
// ascending for FIFO among equal priorities (spec §4.2 ordering rule).
//
// Priority occupies the 1e13 band so any realistic priority range (tens of
// thousands) dominates the millisecond term, which only needs to distinguish
// jobs enqueued decades apart.
func readyScore(priority int, enqueuedAt time.Time) float64 {
	millis := float64(enqueuedAt.Sub(scoreEpoch).Milliseconds())
	return float64(-priority)*1e13 + millis
}

// delayedMember encodes the ready score a job should receive once its delay
// elapses, so ZMoveDue's Lua script (or the in-memory mirror) can promote it
// without a round trip back into Go.
func delayedMember(readyScore float64, job Job) (string, error) {
	body, err := job.Marshal()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%s", strconv.FormatFloat(readyScore, 'f', -1, 64), body), nil
}

// Policy configures one queue's retry and retention behavior (spec §3).
type Policy struct {
	MaxAttempts            int
	BaseBackoff            time.Duration
	Concurrency            int
	RemoveOnCompleteWindow int
	RemoveOnFailWindow     int
}

// DefaultPolicy mirrors the conservative defaults called out in spec §3.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:            3,
		BaseBackoff:            time.Second,
		Concurrency:            5,
		RemoveOnCompleteWindow: 100,
		RemoveOnFailWindow:     50,
	}
}

// Stats is a point-in-time snapshot of one queue's depth (used by the
// Manager's stats/statsAll admin operations, spec §4.1).
type Stats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
	Paused    bool
}

// Event is published on the queue's event channel whenever a job completes,
// fails, stalls, or errors out (spec §4.2 "Events").
type Event struct {
	Type      string `json:"type"` // completed | failed | stalled | error
	JobID     string `json:"jobId"`
	Kind      Kind   `json:"kind"`
	Attempt   int    `json:"attempt"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Queue is one named, priority-ordered job buffer backed by a kvstore.Store.
// It owns five keys under its namespace: the ready set, the delayed set, the
// completed/failed bounded history lists, and an active-processing list that
// the Worker Pool maintains (spec §6 "Persisted state layout").
type Queue struct {
	store  kvstore.Store
	ns     string
	name   Name
	policy Policy
	clk    clock.Clock
	paused atomic.Bool
}

// New constructs a Queue. clk defaults to clock.Real{} when nil.
func New(store kvstore.Store, ns string, name Name, policy Policy, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Queue{store: store, ns: ns, name: name, policy: policy, clk: clk}
}

func (q *Queue) Name() Name     { return q.name }
func (q *Queue) Policy() Policy { return q.policy }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("%s:queue:%s:%s", q.ns, q.name, suffix)
}

func (q *Queue) readyKey() string      { return fmt.Sprintf("%s:queue:%s", q.ns, q.name) }
func (q *Queue) delayedKey() string    { return q.key("delayed") }
func (q *Queue) completedKey() string  { return q.key("completed") }
func (q *Queue) failedKey() string     { return q.key("failed") }
func (q *Queue) activeKey() string     { return q.key("processing") }
func (q *Queue) pausedKey() string     { return q.key("paused") }
func (q *Queue) EventsChannel() string { return fmt.Sprintf("%s:events:%s", q.ns, q.name) }

// Enqueue admits a job. Jobs with a zero Delay go straight onto the ready
// set; delayed jobs go onto the delayed set under their eligible-at score.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clk.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.policy.MaxAttempts
	}
	score := readyScore(job.Priority, job.EnqueuedAt)
	if job.Delay <= 0 {
		body, err := job.Marshal()
		if err != nil {
			return err
		}
		return q.store.ZAdd(ctx, q.readyKey(), body, score)
	}
	eligibleAt := job.EnqueuedAt.Add(job.Delay)
	member, err := delayedMember(score, job)
	if err != nil {
		return err
	}
	return q.store.ZAdd(ctx, q.delayedKey(), member, float64(eligibleAt.UnixMilli()))
}

// idempotencyKey namespaces the reservation key EnqueueOnce uses to suppress
// duplicate admissions of the same Job Id.
func (q *Queue) idempotencyKey(id string) string {
	return q.key("idempotent:" + id)
}

// EnqueueOnce behaves like Enqueue, except it first reserves job.ID against
// this queue's idempotency keyspace for ttl. A second call with the same Id
// inside that window finds the reservation already held and returns nil
// without adding another ready-set member — the fix for Id-stable Kinds
// (spec §4.1 "snapshot-{spaceId}-{date}"): Enqueue alone cannot dedup them
// because the ready set's ZAdd member is the full marshaled job body, which
// embeds EnqueuedAt and therefore differs between two calls made at
// different instants even when both carry the same Id. Grounded on the
// teacher's internal/exactly_once/idempotency.go CheckAndReserve
// (EXISTS-then-SETEX), adapted onto kvstore.Store.SetNX.
func (q *Queue) EnqueueOnce(ctx context.Context, job Job, ttl time.Duration) error {
	reserved, err := q.store.SetNX(ctx, q.idempotencyKey(job.ID), "1", ttl)
	if err != nil {
		return err
	}
	if !reserved {
		return nil
	}
	return q.Enqueue(ctx, job)
}

// promoteDue moves delayed jobs whose eligible-at time has passed into the
// ready set. It is called on every Dequeue so a single poller keeps the
// delayed set drained without a separate background goroutine.
func (q *Queue) promoteDue(ctx context.Context) error {
	_, err := q.store.ZMoveDue(ctx, q.delayedKey(), q.readyKey(), float64(q.clk.Now().UnixMilli()), nil)
	return err
}

// Dequeue pops the highest-priority, oldest-eligible job. It returns
// ErrPaused if the queue is paused and ErrEmpty if nothing is eligible yet.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return Job{}, err
	}
	if paused {
		return Job{}, ErrPaused
	}
	if err := q.promoteDue(ctx); err != nil {
		return Job{}, err
	}
	m, err := q.store.ZPopMin(ctx, q.readyKey())
	if err == kvstore.ErrNotFound {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, err
	}
	job, err := Unmarshal(m.Value)
	if err != nil {
		return Job{}, err
	}
	if job.FirstPickedAt == nil {
		now := q.clk.Now()
		job.FirstPickedAt = &now
	}
	raw, err := job.Marshal()
	if err != nil {
		return Job{}, err
	}
	job.raw = raw
	if err := q.store.LPush(ctx, q.activeKey(), raw); err != nil {
		return Job{}, err
	}
	return job, nil
}

// activeEntry returns the exact string this job was stored as in the active
// list, falling back to a fresh marshal for jobs not obtained via Dequeue
// (e.g. constructed directly in a test).
func (job Job) activeEntry() (string, error) {
	if job.raw != "" {
		return job.raw, nil
	}
	return job.Marshal()
}

// ActiveSnapshot lists every job currently checked out by a worker, for the
// Worker Pool's stall reaper to scan (spec §4.2 "Stall detection").
func (q *Queue) ActiveSnapshot(ctx context.Context) ([]Job, error) {
	raw, err := q.store.LRange(ctx, q.activeKey(), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(raw))
	for _, r := range raw {
		job, err := Unmarshal(r)
		if err != nil {
			continue
		}
		job.raw = r
		out = append(out, job)
	}
	return out, nil
}

// Complete records a successful run: drops the job from the active list,
// appends a bounded completion-history entry, and publishes a "completed"
// event.
func (q *Queue) Complete(ctx context.Context, job Job) error {
	entry, err := job.activeEntry()
	if err != nil {
		return err
	}
	if err := q.store.LRem(ctx, q.activeKey(), entry); err != nil {
		return err
	}
	body, err := job.Marshal()
	if err != nil {
		return err
	}
	if err := q.store.LPush(ctx, q.completedKey(), body); err != nil {
		return err
	}
	if err := q.store.LTrim(ctx, q.completedKey(), int64(q.policy.RemoveOnCompleteWindow)); err != nil {
		return err
	}
	return q.publish(ctx, Event{Type: "completed", JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt()})
}

// Retry re-enqueues a job after a processor failure, incrementing its
// attempt counters and scheduling it delay in the future (the caller — the
// Worker Pool — computes delay via internal/retry's backoff formula). It
// also appends a bounded failed-history entry, per the "failed-but-not-DLQ"
// retention window in spec §4.2.
func (q *Queue) Retry(ctx context.Context, job Job, delay time.Duration, failure ErrorInfo) error {
	entry, err := job.activeEntry()
	if err != nil {
		return err
	}
	if err := q.store.LRem(ctx, q.activeKey(), entry); err != nil {
		return err
	}
	now := q.clk.Now()
	job.AttemptsMade++
	job.LastFailedAt = &now
	job.LastError = &failure
	job.Delay = delay
	job.EnqueuedAt = now

	if err := q.recordFailedHistory(ctx, job); err != nil {
		return err
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return err
	}
	return q.publish(ctx, Event{Type: "failed", JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt(), Message: failure.Message})
}

// Exhaust drops a job from the active list after its final attempt failed
// and MaxAttempts is exhausted. The caller (Worker Pool) is responsible for
// handing the job to the Dead-Letter Store; Queue itself only removes it
// from the active list and emits the terminal "error" event.
func (q *Queue) Exhaust(ctx context.Context, job Job, failure ErrorInfo) error {
	entry, err := job.activeEntry()
	if err != nil {
		return err
	}
	if err := q.store.LRem(ctx, q.activeKey(), entry); err != nil {
		return err
	}
	return q.publish(ctx, Event{Type: "error", JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt(), Message: failure.Message})
}

// Reoffer is called by the Worker Pool's stall reaper when a job's implicit
// heartbeat (its processor run) has not returned within the stall window
// (spec §4.2 "Stall detection"). It puts the job back on the ready set at
// its original priority without incrementing AttemptsMade — a stalled job
// was not refused by a processor, its worker simply never reported back —
// and emits a "stalled" event.
func (q *Queue) Reoffer(ctx context.Context, job Job) error {
	entry, err := job.activeEntry()
	if err != nil {
		return err
	}
	if err := q.store.LRem(ctx, q.activeKey(), entry); err != nil {
		return err
	}
	job.Delay = 0
	if err := q.Enqueue(ctx, job); err != nil {
		return err
	}
	return q.publish(ctx, Event{Type: "stalled", JobID: job.ID, Kind: job.Kind, Attempt: job.Attempt()})
}

func (q *Queue) recordFailedHistory(ctx context.Context, job Job) error {
	body, err := job.Marshal()
	if err != nil {
		return err
	}
	if err := q.store.LPush(ctx, q.failedKey(), body); err != nil {
		return err
	}
	return q.store.LTrim(ctx, q.failedKey(), int64(q.policy.RemoveOnFailWindow))
}

func (q *Queue) publish(ctx context.Context, ev Event) error {
	ev.Timestamp = q.clk.Now().UnixMilli()
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf(`{"type":%q,"jobId":%q,"kind":%q,"attempt":%d,"message":%q,"timestamp":%d}`,
		ev.Type, ev.JobID, ev.Kind, ev.Attempt, ev.Message, ev.Timestamp))
	return q.store.Publish(ctx, q.EventsChannel(), b.String())
}

// Listen subscribes to this queue's event channel.
func (q *Queue) Listen(ctx context.Context) (<-chan string, func()) {
	return q.store.Subscribe(ctx, q.EventsChannel())
}

// Pause marks the queue paused, persisting the flag so every process
// sharing the KV store observes it (spec §6 persisted state layout).
func (q *Queue) Pause(ctx context.Context) error {
	q.paused.Store(true)
	return q.store.Set(ctx, q.pausedKey(), "1", 0)
}

// Resume clears the paused flag.
func (q *Queue) Resume(ctx context.Context) error {
	q.paused.Store(false)
	return q.store.Del(ctx, q.pausedKey())
}

// IsPaused reads the persisted flag rather than trusting the local cache
// alone, since another process may have paused the queue.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	ok, err := q.store.Exists(ctx, q.pausedKey())
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Stats returns a depth snapshot across all five sub-structures.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	waiting, err := q.store.ZLen(ctx, q.readyKey())
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.store.ZLen(ctx, q.delayedKey())
	if err != nil {
		return Stats{}, err
	}
	active, err := q.store.LLen(ctx, q.activeKey())
	if err != nil {
		return Stats{}, err
	}
	completed, err := q.store.LLen(ctx, q.completedKey())
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.store.LLen(ctx, q.failedKey())
	if err != nil {
		return Stats{}, err
	}
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting + delayed,
		Delayed:   delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
		Paused:    paused,
	}, nil
}

// ClearAll removes every job from every sub-structure. Used by the Manager's
// clearAll admin operation and by tests that need a clean slate.
func (q *Queue) ClearAll(ctx context.Context) error {
	return q.store.Del(ctx, q.readyKey(), q.delayedKey(), q.completedKey(), q.failedKey(), q.activeKey())
}
