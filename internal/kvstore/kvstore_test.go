// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Store{
		"redis":  NewRedis(rdb),
		"memory": NewMemory(nil),
	}
}

func TestZAddZPopMinOrdering(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.ZAdd(ctx, "q", "low", 50); err != nil {
				t.Fatal(err)
			}
			if err := s.ZAdd(ctx, "q", "high", 10); err != nil {
				t.Fatal(err)
			}
			if err := s.ZAdd(ctx, "q", "mid", 30); err != nil {
				t.Fatal(err)
			}
			var order []string
			for i := 0; i < 3; i++ {
				m, err := s.ZPopMin(ctx, "q")
				if err != nil {
					t.Fatal(err)
				}
				order = append(order, m.Value)
			}
			want := []string{"high", "mid", "low"}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("order = %v, want %v", order, want)
				}
			}
			if _, err := s.ZPopMin(ctx, "q"); err != ErrNotFound {
				t.Fatalf("expected ErrNotFound on empty set, got %v", err)
			}
		})
	}
}

func TestZMoveDue(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// encode "<readyScore>|<jobID>" per the ZMoveDue contract
			if err := s.ZAdd(ctx, "delayed", fmt.Sprintf("%d|job-a", 5), 1000); err != nil {
				t.Fatal(err)
			}
			if err := s.ZAdd(ctx, "delayed", fmt.Sprintf("%d|job-b", 9), 5000); err != nil {
				t.Fatal(err)
			}
			moved, err := s.ZMoveDue(ctx, "delayed", "ready", 2000, nil)
			if err != nil {
				t.Fatal(err)
			}
			if moved != 1 {
				t.Fatalf("moved = %d, want 1", moved)
			}
			n, _ := s.ZLen(ctx, "delayed")
			if n != 1 {
				t.Fatalf("delayed len = %d, want 1", n)
			}
			m, err := s.ZPopMin(ctx, "ready")
			if err != nil {
				t.Fatal(err)
			}
			if m.Value != "job-a" || m.Score != 5 {
				t.Fatalf("moved member = %+v, want job-a score 5", m)
			}
		})
	}
}

func TestSetNXRejectsExistingKey(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.SetNX(ctx, "k", "v1", 0)
			if err != nil || !ok {
				t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
			}
			ok, err = s.SetNX(ctx, "k", "v2", 0)
			if err != nil || ok {
				t.Fatalf("second SetNX should fail: ok=%v err=%v", ok, err)
			}
			v, err := s.Get(ctx, "k")
			if err != nil || v != "v1" {
				t.Fatalf("Get = %q, %v, want v1", v, err)
			}
		})
	}
}

func TestListBoundedHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				_ = s.LPush(ctx, "hist", fmt.Sprintf("item-%d", i))
			}
			if err := s.LTrim(ctx, "hist", 3); err != nil {
				t.Fatal(err)
			}
			n, _ := s.LLen(ctx, "hist")
			if n != 3 {
				t.Fatalf("len = %d, want 3", n)
			}
			items, _ := s.LRange(ctx, "hist", 0, -1)
			want := []string{"item-4", "item-3", "item-2"}
			for i := range want {
				if items[i] != want[i] {
					t.Fatalf("items = %v, want %v", items, want)
				}
			}
		})
	}
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			msgs, unsubscribe := s.Subscribe(ctx, "events")
			defer unsubscribe()
			time.Sleep(20 * time.Millisecond) // let the subscription register
			if err := s.Publish(ctx, "events", "hello"); err != nil {
				t.Fatal(err)
			}
			select {
			case got := <-msgs:
				if got != "hello" {
					t.Fatalf("got %q, want hello", got)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for message")
			}
		})
	}
}
