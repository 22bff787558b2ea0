// Copyright 2025 James Ross
// Package dlq implements the Dead-Letter Store (spec §4.5): the terminal
// home for jobs that exhausted their MaxAttempts, plus the admin surface
// for inspecting and replaying them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/queue"
)

// Entry is the persistent dead-letter record named field-for-field in spec
// §3 ("Dead-Letter Entry"): Id, OriginalQueue, JobKind, Payload,
// FailedReason, Stacktrace, AttemptsMade, MaxAttempts, FailedAt, ProcessedAt.
type Entry struct {
	ID            string          `json:"id"`
	OriginalQueue queue.Name      `json:"originalQueue"`
	JobKind       queue.Kind      `json:"jobKind"`
	Payload       json.RawMessage `json:"payload"`
	FailedReason  string          `json:"failedReason"`
	Stacktrace    string          `json:"stacktrace,omitempty"`
	AttemptsMade  int             `json:"attemptsMade"`
	MaxAttempts   int             `json:"maxAttempts"`
	FailedAt      time.Time       `json:"failedAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
}

func (e Entry) marshal() (string, error) {
	b, err := json.Marshal(e)
	return string(b), err
}

func unmarshal(s string) (Entry, error) {
	var e Entry
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}

// Stats summarizes the dead-letter store for the Manager's statsAll op
// (spec §4.5 "stats()": totals, per-queue counts, oldest/newest FailedAt).
type Stats struct {
	Total    int64
	ByQueue  map[queue.Name]int64
	OldestAt *time.Time
	NewestAt *time.Time
}

// recentWindow bounds the cheap-to-tail "{ns}:dlq:recent" list (Open
// Question #1 in DESIGN.md): the authoritative record is the unbounded
// primary list below; this is purely an observability convenience.
const recentWindow = 200

// Store is the Dead-Letter Store. It is namespaced like internal/queue but
// holds one unbounded primary list (spec's exact key "{ns}:dlq:jobs") plus
// one bounded "recent" list and a per-queue index for O(1)-ish stats.
//
// "DLQ operations never throw; they log and return safe defaults on store
// errors" (spec §4.1 failure semantics): every exported method here logs
// the underlying kvstore.Store error and returns a zero-value result
// instead of propagating it, so a transient storage hiccup on the
// already-terminal dead-letter path never becomes a second failure the
// caller has to handle.
type Store struct {
	store kvstore.Store
	ns    string
	clk   clock.Clock
	log   *zap.Logger
}

// New constructs a Store. clk defaults to clock.Real{} when nil; log
// defaults to zap.NewNop() when nil.
func New(store kvstore.Store, ns string, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{store: store, ns: ns, clk: clk, log: log}
}

// primaryKey matches the persisted layout in spec §6 exactly: "{ns}:dlq:jobs".
func (s *Store) primaryKey() string { return s.ns + ":dlq:jobs" }
func (s *Store) recentKey() string  { return s.ns + ":dlq:recent" }
func (s *Store) byQueueKey(q queue.Name) string {
	return fmt.Sprintf("%s:dlq:by-queue:%s", s.ns, q)
}

// Severity applies spec §4.6's DLQ heuristic for the Tracing Sink tag
// attached when a job is promoted: a failure on the job's final attempt is
// "error"; an operator-forced promotion before the attempt budget is fully
// spent is "warning". In normal operation every Promote call already
// represents attempt exhaustion, so this will read "error" unless the
// caller promotes early.
func Severity(attemptsMade, maxAttempts int) string {
	if attemptsMade+1 >= maxAttempts {
		return "error"
	}
	return "warning"
}

// Promote records a job that has exhausted its retry budget. It is called
// by the Worker Pool once Queue.Exhaust has removed the job from its
// originating queue's active list. A storage failure here is logged and
// swallowed: the job is already gone from its origin queue, and there is
// no safe retry path for a dead-letter write gone wrong other than noting
// it and moving on.
func (s *Store) Promote(ctx context.Context, job queue.Job, failure queue.ErrorInfo) {
	entry := Entry{
		ID:            job.ID,
		OriginalQueue: job.QueueName,
		JobKind:       job.Kind,
		Payload:       job.Payload,
		FailedReason:  failure.Message,
		Stacktrace:    failure.Stack,
		AttemptsMade:  job.AttemptsMade + 1,
		MaxAttempts:   job.MaxAttempts,
		FailedAt:      s.clk.Now(),
	}
	body, err := entry.marshal()
	if err != nil {
		s.log.Error("dlq: marshal entry failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	if err := s.store.LPush(ctx, s.primaryKey(), body); err != nil {
		s.log.Error("dlq: promote failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	if err := s.store.LPush(ctx, s.recentKey(), body); err != nil {
		s.log.Error("dlq: recent list append failed", zap.String("job", job.ID), zap.Error(err))
	}
	if err := s.store.LTrim(ctx, s.recentKey(), recentWindow); err != nil {
		s.log.Error("dlq: recent list trim failed", zap.Error(err))
	}
	if err := s.store.LPush(ctx, s.byQueueKey(job.QueueName), body); err != nil {
		s.log.Error("dlq: by-queue index append failed", zap.String("job", job.ID), zap.Error(err))
	}
}

// List returns up to limit of the most recently dead-lettered entries
// (spec §4.5 "list(limit=100)"), or nil on a store error.
func (s *Store) List(ctx context.Context, limit int64) []Entry {
	raw, err := s.store.LRange(ctx, s.primaryKey(), 0, limit-1)
	if err != nil {
		s.log.Error("dlq: list failed", zap.Error(err))
		return nil
	}
	entries, err := decodeAll(raw)
	if err != nil {
		s.log.Error("dlq: decode failed", zap.Error(err))
		return nil
	}
	return entries
}

// Stats reports the total dead-letter count, per-queue breakdown, and the
// oldest/newest FailedAt across all entries, or a zero Stats on a store
// error.
func (s *Store) Stats(ctx context.Context, queues []queue.Name) Stats {
	total, err := s.store.LLen(ctx, s.primaryKey())
	if err != nil {
		s.log.Error("dlq: stats total failed", zap.Error(err))
		return Stats{}
	}
	byQueue := make(map[queue.Name]int64, len(queues))
	for _, q := range queues {
		n, err := s.store.LLen(ctx, s.byQueueKey(q))
		if err != nil {
			s.log.Error("dlq: stats by-queue failed", zap.String("queue", string(q)), zap.Error(err))
			return Stats{}
		}
		byQueue[q] = n
	}
	all, err := s.store.LRange(ctx, s.primaryKey(), 0, -1)
	if err != nil {
		s.log.Error("dlq: stats range failed", zap.Error(err))
		return Stats{}
	}
	entries, err := decodeAll(all)
	if err != nil {
		s.log.Error("dlq: stats decode failed", zap.Error(err))
		return Stats{}
	}
	var oldest, newest *time.Time
	for _, e := range entries {
		t := e.FailedAt
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
		if newest == nil || t.After(*newest) {
			newest = &t
		}
	}
	return Stats{Total: total, ByQueue: byQueue, OldestAt: oldest, NewestAt: newest}
}

// Retry removes one entry matching jobID and re-enqueues `{kind, payload}`
// into the original queue under a freshly minted Id (spec §4.5 "retry(id)":
// Id = `retry-{origId}-{nowMillis}`). The entry is then removed from the
// primary and per-queue lists, and its copy in the recent list is replaced
// by one with ProcessedAt stamped. enqueue is the caller-supplied re-admission
// function (normally Queue.Enqueue) so dlq never imports manager and stays
// a leaf package. Returns false, without logging, when no entry matches;
// a store error along the way is logged and also reported as false, since
// from the caller's perspective the retry simply did not happen.
func (s *Store) Retry(ctx context.Context, entryID string, enqueue func(context.Context, queue.Job) error) bool {
	return s.retryOneMatching(ctx, func(e Entry) bool { return e.ID == entryID }, enqueue)
}

// RetryByOriginalQueue re-enqueues every dead-lettered job that originated
// from originalQueue (spec §4.5 "retryByOriginalQueue(queue)"), returning
// how many were actually retried before the first store error, if any.
func (s *Store) RetryByOriginalQueue(ctx context.Context, originalQueue queue.Name, enqueue func(context.Context, queue.Job) error) int {
	n := 0
	for s.retryOneMatching(ctx, func(e Entry) bool { return e.OriginalQueue == originalQueue }, enqueue) {
		n++
	}
	return n
}

func (s *Store) retryOneMatching(ctx context.Context, match func(Entry) bool, enqueue func(context.Context, queue.Job) error) bool {
	all, err := s.store.LRange(ctx, s.primaryKey(), 0, -1)
	if err != nil {
		s.log.Error("dlq: retry range failed", zap.Error(err))
		return false
	}
	for _, raw := range all {
		entry, err := unmarshal(raw)
		if err != nil {
			continue
		}
		if !match(entry) {
			continue
		}
		job := queue.Job{
			ID:          fmt.Sprintf("retry-%s-%d", entry.ID, s.clk.Now().UnixMilli()),
			QueueName:   entry.OriginalQueue,
			Kind:        entry.JobKind,
			Payload:     entry.Payload,
			MaxAttempts: entry.MaxAttempts,
		}
		if err := enqueue(ctx, job); err != nil {
			s.log.Error("dlq: retry re-enqueue failed", zap.String("entry", entry.ID), zap.Error(err))
			return false
		}
		// Remove from the actionable primary list and the per-queue stats
		// index, but keep a processed copy (ProcessedAt stamped) in the
		// recent visibility list for audit — spec §3's invariant (FailedAt
		// ≤ ProcessedAt) only makes sense for a record that still exists to
		// inspect, and Stats()'s per-queue counts must only reflect pending
		// entries.
		if err := s.store.LRem(ctx, s.primaryKey(), raw); err != nil {
			s.log.Error("dlq: retry primary list removal failed", zap.String("entry", entry.ID), zap.Error(err))
			return false
		}
		if err := s.store.LRem(ctx, s.byQueueKey(entry.OriginalQueue), raw); err != nil {
			s.log.Warn("dlq: retry by-queue index removal failed", zap.String("entry", entry.ID), zap.Error(err))
		}
		now := s.clk.Now()
		entry.ProcessedAt = &now
		processed, err := entry.marshal()
		if err != nil {
			s.log.Warn("dlq: retry processed-entry marshal failed", zap.String("entry", entry.ID), zap.Error(err))
			return true
		}
		if err := s.store.LRem(ctx, s.recentKey(), raw); err == nil {
			if err := s.store.LPush(ctx, s.recentKey(), processed); err != nil {
				s.log.Warn("dlq: retry recent list append failed", zap.String("entry", entry.ID), zap.Error(err))
			}
			if err := s.store.LTrim(ctx, s.recentKey(), recentWindow); err != nil {
				s.log.Warn("dlq: retry recent list trim failed", zap.Error(err))
			}
		}
		return true
	}
	return false
}

// ClearAll removes every dead-letter entry (spec §4.5 "clearAll()") and
// returns how many were removed, or 0 on a store error.
func (s *Store) ClearAll(ctx context.Context, queues []queue.Name) int64 {
	total, err := s.store.LLen(ctx, s.primaryKey())
	if err != nil {
		s.log.Error("dlq: clearAll count failed", zap.Error(err))
		return 0
	}
	keys := []string{s.primaryKey(), s.recentKey()}
	for _, q := range queues {
		keys = append(keys, s.byQueueKey(q))
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		s.log.Error("dlq: clearAll delete failed", zap.Error(err))
		return 0
	}
	return total
}

// Prune drops entries whose FailedAt < now - olderThanDays (spec §4.5
// "prune(olderThanDays=30)"). Entries are newest-first; pruning walks the
// whole list since stale entries accumulate wherever they were inserted
// across many prior prune cycles. Returns how many were pruned before the
// first store error, if any; such an error is logged, not returned.
func (s *Store) Prune(ctx context.Context, olderThanDays int) int {
	cutoff := s.clk.Now().AddDate(0, 0, -olderThanDays)
	all, err := s.store.LRange(ctx, s.primaryKey(), 0, -1)
	if err != nil {
		s.log.Error("dlq: prune range failed", zap.Error(err))
		return 0
	}
	pruned := 0
	for _, raw := range all {
		entry, err := unmarshal(raw)
		if err != nil {
			continue
		}
		if !entry.FailedAt.Before(cutoff) {
			continue
		}
		if err := s.store.LRem(ctx, s.primaryKey(), raw); err != nil {
			s.log.Error("dlq: prune removal failed", zap.String("entry", entry.ID), zap.Error(err))
			return pruned
		}
		_ = s.store.LRem(ctx, s.recentKey(), raw)
		_ = s.store.LRem(ctx, s.byQueueKey(entry.OriginalQueue), raw)
		pruned++
	}
	return pruned
}

func decodeAll(raw []string) ([]Entry, error) {
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		e, err := unmarshal(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
