// Copyright 2025 James Ross
// Package manager implements the Queue Manager (spec §4.1): the lifecycle
// owner of every provisioned queue and the DLQ, the producer API with its
// per-Kind Id construction rules, administration, and graceful drain.
// Grounded on the teacher's internal/admin/admin.go (queue-alias
// resolution, stats/purge shape) generalized from an HTTP-facing surface
// to a plain Go API, since spec.md §1 excludes an HTTP layer here.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/dlq"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/queue"
)

// queueSpec is one row of the fixed provisioning table (spec §4.1).
type queueSpec struct {
	name        queue.Name
	maxAttempts int
	baseBackoff time.Duration
}

var provisioning = []queueSpec{
	{queue.SyncTransactions, 5, 10 * time.Second},
	{queue.EmailNotifications, 5, 5 * time.Second},
	{queue.CategorizeTransactions, 4, 3 * time.Second},
	{queue.ValuationSnapshots, 4, 3 * time.Second},
	{queue.ESGUpdates, 3, 3 * time.Second},
	{queue.SystemMaintenance, 3, 3 * time.Second},
	{queue.PropertyValuation, 3, 3 * time.Second},
}

// ErrUnknownQueue is returned by administration calls against a queue name
// the Manager never provisioned (spec §4.1 "fatal error always").
var ErrUnknownQueue = errors.New("manager: unknown queue")

// ErrDraining is the producer API's "null sentinel" (spec §4.1): returned
// instead of a Job Id while AcceptingJobs is false.
var ErrDraining = errors.New("manager: not accepting jobs, service is draining")

// SyncPayload is enqueueSync's payload shape (spec §6).
type SyncPayload struct {
	Provider     string `json:"provider"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	FullSync     bool   `json:"fullSync"`
}

// CategorizePayload is enqueueCategorize's payload shape.
type CategorizePayload struct {
	SpaceID        string   `json:"spaceId"`
	TransactionIDs []string `json:"transactionIds,omitempty"`
}

// ESGPayload is enqueueESG's payload shape.
type ESGPayload struct {
	Symbols      []string `json:"symbols"`
	ForceRefresh bool     `json:"forceRefresh,omitempty"`
}

// SnapshotPayload is enqueueSnapshot's payload shape.
type SnapshotPayload struct {
	SpaceID string `json:"spaceId"`
	Date    string `json:"date,omitempty"` // YYYY-MM-DD; defaults to today
}

// EmailPayload is enqueueEmail's payload shape.
type EmailPayload struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
	Priority string         `json:"priority,omitempty"` // high | low | "" (normal)
}

// Stats mirrors spec §4.1's admin stats shape.
type Stats = queue.Stats

// Manager owns every provisioned queue and the dead-letter store.
type Manager struct {
	log      *zap.Logger
	clk      clock.Clock
	ns       string
	testMode bool

	queues map[queue.Name]*queue.Queue
	dlq    *dlq.Store

	accepting atomic.Bool
	draining  atomic.Bool
}

// New provisions the fixed queue table (spec §4.1) plus the dead-letter
// store and returns a ready-to-use Manager. Each queue's Policy starts
// from queue.DefaultPolicy() with MaxAttempts/BaseBackoff overridden per
// the provisioning table.
func New(store kvstore.Store, ns string, testMode bool, clk clock.Clock, log *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Manager{
		log:      log,
		clk:      clk,
		ns:       ns,
		testMode: testMode,
		queues:   make(map[queue.Name]*queue.Queue, len(provisioning)+1),
		dlq:      dlq.New(store, ns, clk, log),
	}
	for _, spec := range provisioning {
		policy := queue.DefaultPolicy()
		policy.MaxAttempts = spec.maxAttempts
		policy.BaseBackoff = spec.baseBackoff
		m.queues[spec.name] = queue.New(store, ns, spec.name, policy, clk)
	}
	m.accepting.Store(true)
	return m
}

// Queue returns the named provisioned queue, for the Worker Pool and Cron
// Scheduler to register against.
func (m *Manager) Queue(name queue.Name) (*queue.Queue, error) {
	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// DLQ exposes the dead-letter store, e.g. for wiring the Worker Pool's
// exhaustion path to its Promote method.
func (m *Manager) DLQ() *dlq.Store { return m.dlq }

// Queues lists every provisioned queue name, in table order.
func (m *Manager) Queues() []queue.Name {
	out := make([]queue.Name, 0, len(provisioning))
	for _, spec := range provisioning {
		out = append(out, spec.name)
	}
	return out
}

// IsAccepting reports whether the producer API currently admits new jobs.
func (m *Manager) IsAccepting() bool { return m.accepting.Load() }

func (m *Manager) enqueue(ctx context.Context, name queue.Name, job queue.Job, priority int, delay time.Duration) (string, error) {
	return m.admit(ctx, name, job, priority, delay, 0)
}

// snapshotIdempotencyTTL outlives a single calendar day by a wide margin so
// a same-day re-fire near midnight still collides with the morning's
// reservation regardless of timezone skew between callers.
const snapshotIdempotencyTTL = 25 * time.Hour

// enqueueOnce is enqueue's deduplicating sibling for Id-stable Kinds: it
// reserves job.ID for ttl before admitting it, so repeat calls with the same
// Id inside that window are silent no-ops instead of a second ready-set
// entry (see queue.Queue.EnqueueOnce).
func (m *Manager) enqueueOnce(ctx context.Context, name queue.Name, job queue.Job, priority int, ttl time.Duration) (string, error) {
	return m.admit(ctx, name, job, priority, 0, ttl)
}

func (m *Manager) admit(ctx context.Context, name queue.Name, job queue.Job, priority int, delay, idempotencyTTL time.Duration) (string, error) {
	if !m.accepting.Load() {
		return "", ErrDraining
	}
	q, ok := m.queues[name]
	if !ok {
		if m.testMode {
			m.log.Warn("enqueue against unknown queue in test mode, no-op", zap.String("queue", string(name)))
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	job.QueueName = name
	job.Priority = priority
	job.Delay = delay

	var err error
	if idempotencyTTL > 0 {
		err = q.EnqueueOnce(ctx, job, idempotencyTTL)
	} else {
		err = q.Enqueue(ctx, job)
	}
	if err != nil {
		if m.testMode {
			m.log.Warn("enqueue failed in test mode, suppressing", zap.Error(err))
			return "", nil
		}
		return "", err
	}
	return job.ID, nil
}

// EnqueueSync admits a provider-sync job. Id =
// sync-{provider}-{userId}-{enqueuedAtMillis} (spec §4.1).
func (m *Manager) EnqueueSync(ctx context.Context, p SyncPayload, priority int) (string, error) {
	payload, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	now := m.clk.Now()
	id := fmt.Sprintf("sync-%s-%s-%d", p.Provider, p.UserID, now.UnixMilli())
	job := queue.Job{ID: id, Kind: queue.KindSyncTransactions, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, queue.SyncTransactions, job, priority, 0)
}

// EnqueueCategorize admits a transaction-categorization job. Id =
// categorize-{spaceId}-{enqueuedAtMillis}.
func (m *Manager) EnqueueCategorize(ctx context.Context, p CategorizePayload, priority int) (string, error) {
	payload, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	now := m.clk.Now()
	id := fmt.Sprintf("categorize-%s-%d", p.SpaceID, now.UnixMilli())
	job := queue.Job{ID: id, Kind: queue.KindCategorizeTransactions, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, queue.CategorizeTransactions, job, priority, 0)
}

// EnqueueESG admits a symbol ESG-refresh job. Id =
// esg-{symbols.join('-')}-{enqueuedAtMillis}.
func (m *Manager) EnqueueESG(ctx context.Context, p ESGPayload, priority int) (string, error) {
	payload, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	now := m.clk.Now()
	id := fmt.Sprintf("esg-%s-%d", joinSymbols(p.Symbols), now.UnixMilli())
	job := queue.Job{ID: id, Kind: queue.KindESGUpdate, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, queue.ESGUpdates, job, priority, 0)
}

// EnqueueSnapshot admits a portfolio-valuation snapshot job. Id =
// snapshot-{spaceId}-{dateYYYYMMDD} (spec §3: "advisory, not enforced
// globally"): two calls for the same space and day produce the same Id.
// The Id alone does not dedup the ready set — Enqueue's ZAdd member is the
// full marshaled job body, which embeds EnqueuedAt and so differs between
// two calls made at different instants — so this admits through
// enqueueOnce, which reserves the Id for snapshotIdempotencyTTL before the
// job reaches the queue. A second same-day call finds the reservation
// already held and is a silent no-op, leaving exactly one ready-set entry
// regardless of how many times the tick fires.
func (m *Manager) EnqueueSnapshot(ctx context.Context, p SnapshotPayload, priority int) (string, error) {
	now := m.clk.Now()
	date := p.Date
	if date == "" {
		date = now.Format("20060102")
	} else if parsed, err := time.Parse("2006-01-02", date); err == nil {
		date = parsed.Format("20060102")
	}
	id := fmt.Sprintf("snapshot-%s-%s", p.SpaceID, date)

	payload, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	job := queue.Job{ID: id, Kind: queue.KindValuationSnapshot, Payload: payload, EnqueuedAt: now}
	return m.enqueueOnce(ctx, queue.ValuationSnapshots, job, priority, snapshotIdempotencyTTL)
}

// EnqueueEmail admits a notification-email job. Id =
// email-{to}-{enqueuedAtMillis}; email jobs remap priority regardless of
// the caller-supplied value: high→80, low→10, else→40 (spec §4.1).
func (m *Manager) EnqueueEmail(ctx context.Context, p EmailPayload) (string, error) {
	payload, err := marshalPayload(p)
	if err != nil {
		return "", err
	}
	now := m.clk.Now()
	id := fmt.Sprintf("email-%s-%d", p.To, now.UnixMilli())
	job := queue.Job{ID: id, Kind: queue.KindSendEmail, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, queue.EmailNotifications, job, emailPriority(p.Priority), 0)
}

func emailPriority(p string) int {
	switch p {
	case "high":
		return 80
	case "low":
		return 10
	default:
		return 40
	}
}

// EnqueuePropertyValuation admits a property-valuation refresh job onto the
// property-valuation queue, the one Kind/queue pair with no explicit Id
// rule in spec §4.1 — it follows the same `{kind}-{enqueuedAtMillis}`
// shape as the other non-deduplicated Kinds.
func (m *Manager) EnqueuePropertyValuation(ctx context.Context, payload []byte, priority int) (string, error) {
	now := m.clk.Now()
	id := fmt.Sprintf("property-valuation-%d", now.UnixMilli())
	job := queue.Job{ID: id, Kind: queue.KindPropertyValuation, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, queue.PropertyValuation, job, priority, 0)
}

// ScheduleRecurring enqueues one instance of a recurring schedule's
// payload under Id = recurring-{name} (spec §4.1). The Cron Scheduler
// calls this once per tick. Admission goes through plain enqueue, so two
// fires are not deduplicated: each adds its own ready-set entry, both
// carrying the same Id.
func (m *Manager) ScheduleRecurring(ctx context.Context, name queue.Name, scheduleName string, kind queue.Kind, payload []byte, priority int) (string, error) {
	id := fmt.Sprintf("recurring-%s", scheduleName)
	now := m.clk.Now()
	job := queue.Job{ID: id, Kind: kind, Payload: payload, EnqueuedAt: now}
	return m.enqueue(ctx, name, job, priority, 0)
}

// Pause suspends a queue's consumers while still accepting producers.
func (m *Manager) Pause(ctx context.Context, name queue.Name) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// Resume reverses Pause.
func (m *Manager) Resume(ctx context.Context, name queue.Name) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// ClearAll empties every sub-structure of one queue.
func (m *Manager) ClearAll(ctx context.Context, name queue.Name) error {
	q, err := m.Queue(name)
	if err != nil {
		return err
	}
	return q.ClearAll(ctx)
}

// RetryFailed re-admits every dead-lettered job that originated from name.
func (m *Manager) RetryFailed(ctx context.Context, name queue.Name) (int, error) {
	if _, err := m.Queue(name); err != nil {
		return 0, err
	}
	return m.dlq.RetryByOriginalQueue(ctx, name, func(ctx context.Context, job queue.Job) error {
		q := m.queues[job.QueueName]
		return q.Enqueue(ctx, job)
	}), nil
}

// QueueStats returns one queue's depth snapshot.
func (m *Manager) QueueStats(ctx context.Context, name queue.Name) (Stats, error) {
	q, err := m.Queue(name)
	if err != nil {
		return Stats{}, err
	}
	return q.Stats(ctx)
}

// AllQueueStats returns every provisioned queue's depth snapshot plus the
// dead-letter store's summary.
func (m *Manager) AllQueueStats(ctx context.Context) (map[queue.Name]Stats, dlq.Stats, error) {
	out := make(map[queue.Name]Stats, len(provisioning))
	for _, spec := range provisioning {
		s, err := m.queues[spec.name].Stats(ctx)
		if err != nil {
			return nil, dlq.Stats{}, err
		}
		out[spec.name] = s
	}
	return out, m.dlq.Stats(ctx, m.Queues()), nil
}

// Drain implements spec §4.1's five-step drain protocol. activeTotal
// reports the sum of every provisioned queue's Active count; it is
// supplied by the caller (cmd/jobqueue passes a closure over
// AllQueueStats) so Manager doesn't need a direct Worker Pool dependency.
func (m *Manager) Drain(ctx context.Context, timeout time.Duration, activeTotal func(ctx context.Context) (int64, error)) error {
	if !m.draining.CompareAndSwap(false, true) {
		// Idempotent across concurrent calls (spec §4.1 step 5): a second
		// caller returns nil at once, without waiting for the in-flight
		// drain, rather than starting a second poll loop.
		return nil
	}
	defer m.draining.Store(false)

	m.accepting.Store(false)
	for _, spec := range provisioning {
		if err := m.queues[spec.name].Pause(ctx); err != nil {
			m.log.Error("drain: pause failed", zap.String("queue", string(spec.name)), zap.Error(err))
		}
	}

	deadline := m.clk.Now().Add(timeout)
	ticker := m.clk.After(time.Second)
	for {
		active, err := activeTotal(ctx)
		if err != nil {
			m.log.Error("drain: active count failed", zap.Error(err))
		} else if active == 0 {
			return nil
		}
		if !m.clk.Now().Before(deadline) {
			m.logResidualActive(ctx)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker:
			ticker = m.clk.After(time.Second)
		}
	}
}

func (m *Manager) logResidualActive(ctx context.Context) {
	for _, spec := range provisioning {
		s, err := m.queues[spec.name].Stats(ctx)
		if err != nil || s.Active == 0 {
			continue
		}
		m.log.Warn("drain timed out with residual active jobs",
			zap.String("queue", string(spec.name)), zap.Int64("active", s.Active))
	}
}

func joinSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += "-"
		}
		out += s
	}
	return out
}

func marshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
