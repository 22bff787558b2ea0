// Copyright 2025 James Ross
package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/manager"
	"github.com/dhanam/jobqueue/internal/queue"
)

type fakeSpaces struct{ ids []string }

func (f fakeSpaces) ListSpaceIDs(context.Context) ([]string, error) { return f.ids, nil }

type fakeConnections struct {
	bitsoUsers   []string
	manualUsers  []string
}

func (f fakeConnections) UsersWithConnection(_ context.Context, provider string) ([]string, error) {
	if provider == "bitso" {
		return f.bitsoUsers, nil
	}
	return nil, nil
}

func (f fakeConnections) UsersWithManualAccountKind(context.Context, string) ([]string, error) {
	return f.manualUsers, nil
}

type fakeSymbols struct{ observed []string }

func (f fakeSymbols) ObservedCryptoSymbols(context.Context) ([]string, error) { return f.observed, nil }

func newTestManagerForSchedules(t *testing.T, clk clock.Clock) *manager.Manager {
	t.Helper()
	mem := kvstore.NewMemory(clk.Now)
	return manager.New(mem, "test", false, clk, zap.NewNop())
}

func TestRegisterAllWiresThirteenSchedules(t *testing.T) {
	clk := clock.NewFake(time.Now())
	mgr := newTestManagerForSchedules(t, clk)
	s := New(zap.NewNop(), clk, nil)

	if err := RegisterAll(s, mgr, Dependencies{}); err != nil {
		t.Fatal(err)
	}

	names := []string{
		"categorize-hourly", "crypto-portfolio-sync", "blockchain-wallet-sync",
		"session-cleanup", "daily-valuation-snapshots", "esg-refresh",
		"ml-pattern-retrain", "ml-hourly-hot-refresh", "connection-health-check",
		"inactivity-monitor", "weekly-reports", "monthly-reports",
		"property-valuation-refresh",
	}
	for _, name := range names {
		if _, ok := s.Schedule(name); !ok {
			t.Fatalf("schedule %q was not registered", name)
		}
	}
}

func TestCategorizeHourlyEnqueuesPerSpace(t *testing.T) {
	clk := clock.NewFake(time.Now())
	mgr := newTestManagerForSchedules(t, clk)
	s := New(zap.NewNop(), clk, nil)
	deps := Dependencies{Spaces: fakeSpaces{ids: []string{"s1", "s2", "s3"}}}
	if err := RegisterAll(s, mgr, deps); err != nil {
		t.Fatal(err)
	}

	s.Fire(context.Background(), "categorize-hourly")

	q, err := mgr.Queue(queue.CategorizeTransactions)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting+stats.Delayed != 3 {
		t.Fatalf("enqueued = %d, want 3", stats.Waiting+stats.Delayed)
	}
}

func TestESGRefreshUnionsObservedAndPopularSymbols(t *testing.T) {
	clk := clock.NewFake(time.Now())
	mgr := newTestManagerForSchedules(t, clk)
	s := New(zap.NewNop(), clk, nil)
	deps := Dependencies{Symbols: fakeSymbols{observed: []string{"XRP", "BTC"}}}
	if err := RegisterAll(s, mgr, deps); err != nil {
		t.Fatal(err)
	}

	s.Fire(context.Background(), "esg-refresh")

	q, err := mgr.Queue(queue.ESGUpdates)
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var payload manager.ESGPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, sym := range payload.Symbols {
		found[sym] = true
	}
	if !found["XRP"] || !found["BTC"] || !found["ETH"] {
		t.Fatalf("symbols missing expected union members: %v", payload.Symbols)
	}
}

func TestConnectionHealthCheckFiresCronOnlyKind(t *testing.T) {
	clk := clock.NewFake(time.Now())
	mgr := newTestManagerForSchedules(t, clk)
	s := New(zap.NewNop(), clk, nil)
	if err := RegisterAll(s, mgr, Dependencies{}); err != nil {
		t.Fatal(err)
	}

	s.Fire(context.Background(), "connection-health-check")

	q, err := mgr.Queue(queue.SystemMaintenance)
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != queue.KindConnectionHealthCheck {
		t.Fatalf("kind = %q, want %q", job.Kind, queue.KindConnectionHealthCheck)
	}
}
