// Copyright 2025 James Ross
// Package kvstore defines the atomic key/value contract the queue core is
// built on (§6 of the spec: atomic list/queue semantics, TTL strings,
// counters, pub/sub) and two implementations: a Redis-backed one for
// production and an in-process one for tests that don't want a live Redis.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Pop when no value/member is available.
var ErrNotFound = errors.New("kvstore: not found")

// Member is one entry of a priority queue: an opaque value plus the score it
// was enqueued under (lower score pops first).
type Member struct {
	Value string
	Score float64
}

// Store is the contract the Queue, Worker Pool, Dead-Letter Store and Cron
// Scheduler are built against. Any backend satisfying it — Redis, an
// embedded store, or a mutex-guarded map — is acceptable per spec §6.
type Store interface {
	// ZAdd inserts or updates member in the sorted set at key with the given
	// score. Used for both the ready queue (score encodes priority+FIFO) and
	// the delayed set (score is the eligible-at unix millis).
	ZAdd(ctx context.Context, key string, member string, score float64) error

	// ZPopMin atomically removes and returns the member with the lowest
	// score in the sorted set at key, or ErrNotFound if empty.
	ZPopMin(ctx context.Context, key string) (Member, error)

	// ZMoveDue atomically moves every member of src whose score is <= before
	// into dst, returning how many were moved. Used to promote delayed jobs
	// into the ready queue. A src member of the form "<score>|<value>" is
	// added to dst as <value> under <score>; both implementations ignore
	// newScore.
	ZMoveDue(ctx context.Context, src, dst string, before float64, newScore func(member string) float64) (int, error)

	ZRem(ctx context.Context, key string, member string) error
	ZLen(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LPush prepends value to a bounded history list (completed/failed/DLQ).
	LPush(ctx context.Context, key string, value string) error
	LTrim(ctx context.Context, key string, keep int64) error
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) error

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel string, message string) error
	// Subscribe returns a channel of messages and an unsubscribe func. The
	// Memory store closes the message channel only when unsubscribe is
	// called; it does not watch ctx.
	Subscribe(ctx context.Context, channel string) (msgs <-chan string, unsubscribe func())

	Ping(ctx context.Context) error
	Close() error
}
