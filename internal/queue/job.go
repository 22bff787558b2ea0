// Copyright 2025 James Ross
// Package queue implements one named, priority-ordered, persistent job
// buffer with retry metadata (§3–§4.2 of the spec). Jobs are JSON-encoded
// envelopes stored directly as sorted-set members in the backing KV store,
// the same "serialize the whole envelope as the stored value" approach the
// teacher queue used for its Redis lists.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind discriminates the payload shape carried by a Job, per spec §3.
type Kind string

const (
	KindSyncTransactions       Kind = "sync-transactions"
	KindCategorizeTransactions Kind = "categorize-transactions"
	KindESGUpdate              Kind = "esg-update"
	KindValuationSnapshot      Kind = "valuation-snapshot"
	KindSendEmail              Kind = "send-email"
	KindPropertyValuation      Kind = "property-valuation"

	// Cron-only kinds: never submitted through the producer API, only by the
	// Cron Scheduler's own bulk-operation schedules (spec §3, §4.6).
	KindPatternRetrain        Kind = "pattern-retrain"
	KindConnectionHealthCheck Kind = "connection-health-check"
	KindInactivityMonitor     Kind = "inactivity-monitor"
)

// Name identifies one of the fixed queues provisioned by the Manager (§4.1).
type Name string

const (
	SyncTransactions       Name = "sync-transactions"
	EmailNotifications     Name = "email-notifications"
	CategorizeTransactions Name = "categorize-transactions"
	ValuationSnapshots     Name = "valuation-snapshots"
	ESGUpdates             Name = "esg-updates"
	SystemMaintenance      Name = "system-maintenance"
	PropertyValuation      Name = "property-valuation"
	DeadLetter             Name = "dead-letter"
)

// ErrorInfo is the short structured failure record attached to a Job after a
// processor throw (spec §3 — {message, stack?, domainKind?}).
type ErrorInfo struct {
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
	DomainKind string `json:"domainKind,omitempty"`
}

// Job is the immutable-at-enqueue envelope; only the attempt counters and
// LastError mutate across retries (spec §3).
type Job struct {
	ID           string          `json:"id"`
	QueueName    Name            `json:"queueName"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Delay        time.Duration   `json:"delay"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`

	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	FirstPickedAt *time.Time `json:"firstPickedAt,omitempty"`
	LastFailedAt  *time.Time `json:"lastFailedAt,omitempty"`
	LastError     *ErrorInfo `json:"lastError,omitempty"`

	// raw is the exact string this job was stored as in the queue's active
	// list at Dequeue time, kept so Complete/Retry/Exhaust can remove that
	// exact entry without re-marshaling (field order/whitespace could
	// otherwise drift). Unexported, so encoding/json always ignores it.
	raw string
}

// Marshal serializes the job envelope. It is the value stored directly as a
// sorted-set member in the backing KV store.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Unmarshal parses a job envelope previously produced by Marshal.
func Unmarshal(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// Attempt returns the 1-based attempt number a processor should see at run
// start, per spec §4.3 ("attemptsMade + 1").
func (j Job) Attempt() int { return j.AttemptsMade + 1 }

// ExhaustedAttempts reports whether the job has used up its MaxAttempts
// budget — the PolicyExhausted condition of spec §7.
func (j Job) ExhaustedAttempts() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

var (
	// ErrEmpty is returned by Dequeue when no job is currently eligible.
	ErrEmpty = errors.New("queue: empty")
	// ErrPaused is returned by Dequeue on a paused queue.
	ErrPaused = errors.New("queue: paused")
)
