// Copyright 2025 James Ross
// schedules.go wires the fixed 13-row schedule table onto a Scheduler.
// Every schedule either calls straight into the Queue Manager's producer
// API, or — for the three cron-only Kinds — fires a single recurring job
// whose processor owns the per-entity iteration. Domain enumeration
// (spaces, connections, observed symbols, report recipients) is never
// implemented here: each schedule takes it from a small collaborator
// interface, consistent with spec.md §1's exclusion of application
// domain logic from this subsystem.
package cron

import (
	"context"
	"sort"
	"time"

	"github.com/dhanam/jobqueue/internal/manager"
	"github.com/dhanam/jobqueue/internal/queue"
)

// SpaceDirectory enumerates known spaces.
type SpaceDirectory interface {
	ListSpaceIDs(ctx context.Context) ([]string, error)
}

// ConnectionDirectory enumerates users by connection characteristics.
type ConnectionDirectory interface {
	UsersWithConnection(ctx context.Context, provider string) ([]string, error)
	UsersWithManualAccountKind(ctx context.Context, kind string) ([]string, error)
}

// SymbolObserver reports which crypto symbols currently appear on accounts.
type SymbolObserver interface {
	ObservedCryptoSymbols(ctx context.Context) ([]string, error)
}

// SessionMonitor supports the session-cleanup schedule, which emits
// metrics only and enqueues nothing.
type SessionMonitor interface {
	EmitConnectionMetrics(ctx context.Context) error
}

// PatternCacheInvalidator supports the ML hourly hot-refresh schedule,
// an in-process cache operation with no corresponding queue job.
type PatternCacheInvalidator interface {
	InvalidateRecentlyCorrected(ctx context.Context, since time.Duration) error
}

// ExternalAPIChecker gates the property-valuation refresh schedule on
// upstream availability before it enqueues anything.
type ExternalAPIChecker interface {
	PropertyValuationAPIAvailable(ctx context.Context) (bool, error)
}

// ReportRecipient is one user eligible for a periodic report.
type ReportRecipient struct {
	UserID   string
	Email    string
	SpaceIDs []string
	Format   string
}

// ReportResult is a generated report ready to attach to an email.
type ReportResult struct {
	SpaceID        string
	AttachmentName string
	AttachmentData []byte
}

// ReportGenerator supports the weekly/monthly report schedules.
type ReportGenerator interface {
	UsersForWeeklyReport(ctx context.Context) ([]ReportRecipient, error)
	UsersForMonthlyReport(ctx context.Context) ([]ReportRecipient, error)
	GenerateReport(ctx context.Context, r ReportRecipient, spaceID string, period string) (ReportResult, error)
}

// popularCryptoSymbols is the fixed popular-list half of the ESG refresh's
// union (spec §4.6).
var popularCryptoSymbols = []string{"BTC", "ETH", "ADA", "DOT", "SOL", "ALGO", "MATIC", "AVAX"}

// Dependencies bundles every collaborator the fixed schedule table needs.
// All fields are optional. A schedule whose required collaborator is nil
// returns nil on each tick without enqueuing anything or logging. Two
// schedules still enqueue when theirs is nil: esg-refresh with only the
// fixed symbol list (Symbols nil), and property-valuation-refresh without
// the availability check (PropertyAPI nil).
type Dependencies struct {
	Spaces      SpaceDirectory
	Connections ConnectionDirectory
	Symbols     SymbolObserver
	Sessions    SessionMonitor
	Patterns    PatternCacheInvalidator
	PropertyAPI ExternalAPIChecker
	Reports     ReportGenerator
}

// RegisterAll registers the fixed 13-schedule table (spec §4.6) against a
// Scheduler, wired to mgr's producer API.
func RegisterAll(s *Scheduler, mgr *manager.Manager, deps Dependencies) error {
	schedules := []struct {
		name string
		expr string
		fn   TickFn
	}{
		{"categorize-hourly", "0 * * * *", categorizeHourly(mgr, deps.Spaces)},
		{"crypto-portfolio-sync", "0 */4 * * *", cryptoPortfolioSync(mgr, deps.Connections)},
		{"blockchain-wallet-sync", "0 */6 * * *", blockchainWalletSync(mgr, deps.Connections)},
		{"session-cleanup", "0 2 * * *", sessionCleanup(deps.Sessions)},
		{"daily-valuation-snapshots", "0 3 * * *", dailyValuationSnapshots(mgr, deps.Spaces)},
		{"esg-refresh", "0 6,18 * * *", esgRefresh(mgr, deps.Symbols)},
		{"ml-pattern-retrain", "0 2 * * *", patternRetrain(mgr)},
		{"ml-hourly-hot-refresh", "30 * * * *", hourlyHotRefresh(deps.Patterns)},
		{"connection-health-check", "*/15 * * * *", connectionHealthCheck(mgr)},
		{"inactivity-monitor", "0 9 * * *", inactivityMonitor(mgr)},
		{"weekly-reports", "0 8 * * 1", weeklyReports(mgr, deps.Reports)},
		{"monthly-reports", "0 8 1 * *", monthlyReports(mgr, deps.Reports)},
		{"property-valuation-refresh", "0 6 * * *", propertyValuationRefresh(mgr, deps.PropertyAPI)},
	}
	for _, sched := range schedules {
		if _, err := s.Register(sched.name, sched.expr, sched.fn); err != nil {
			return err
		}
	}
	return nil
}

func categorizeHourly(mgr *manager.Manager, dir SpaceDirectory) TickFn {
	return func(ctx context.Context) error {
		if dir == nil {
			return nil
		}
		spaces, err := dir.ListSpaceIDs(ctx)
		if err != nil {
			return err
		}
		for _, space := range spaces {
			if _, err := mgr.EnqueueCategorize(ctx, manager.CategorizePayload{SpaceID: space}, 40); err != nil && err != manager.ErrDraining {
				return err
			}
		}
		return nil
	}
}

func cryptoPortfolioSync(mgr *manager.Manager, dir ConnectionDirectory) TickFn {
	return func(ctx context.Context) error {
		if dir == nil {
			return nil
		}
		users, err := dir.UsersWithConnection(ctx, "bitso")
		if err != nil {
			return err
		}
		for _, user := range users {
			payload := manager.SyncPayload{Provider: "bitso", UserID: user, FullSync: false}
			if _, err := mgr.EnqueueSync(ctx, payload, 40); err != nil && err != manager.ErrDraining {
				return err
			}
		}
		return nil
	}
}

func blockchainWalletSync(mgr *manager.Manager, dir ConnectionDirectory) TickFn {
	return func(ctx context.Context) error {
		if dir == nil {
			return nil
		}
		users, err := dir.UsersWithManualAccountKind(ctx, "read-only")
		if err != nil {
			return err
		}
		for _, user := range users {
			payload := manager.SyncPayload{Provider: "blockchain", UserID: user, FullSync: false}
			if _, err := mgr.EnqueueSync(ctx, payload, 40); err != nil && err != manager.ErrDraining {
				return err
			}
		}
		return nil
	}
}

func sessionCleanup(mon SessionMonitor) TickFn {
	return func(ctx context.Context) error {
		if mon == nil {
			return nil
		}
		return mon.EmitConnectionMetrics(ctx)
	}
}

func dailyValuationSnapshots(mgr *manager.Manager, dir SpaceDirectory) TickFn {
	return func(ctx context.Context) error {
		if dir == nil {
			return nil
		}
		spaces, err := dir.ListSpaceIDs(ctx)
		if err != nil {
			return err
		}
		for _, space := range spaces {
			if _, err := mgr.EnqueueSnapshot(ctx, manager.SnapshotPayload{SpaceID: space}, 40); err != nil && err != manager.ErrDraining {
				return err
			}
		}
		return nil
	}
}

func esgRefresh(mgr *manager.Manager, obs SymbolObserver) TickFn {
	return func(ctx context.Context) error {
		symbols := popularCryptoSymbols
		if obs != nil {
			observed, err := obs.ObservedCryptoSymbols(ctx)
			if err != nil {
				return err
			}
			symbols = unionSymbols(popularCryptoSymbols, observed)
		}
		_, err := mgr.EnqueueESG(ctx, manager.ESGPayload{Symbols: symbols}, 40)
		if err != nil && err != manager.ErrDraining {
			return err
		}
		return nil
	}
}

func unionSymbols(fixed, observed []string) []string {
	set := make(map[string]struct{}, len(fixed)+len(observed))
	for _, s := range fixed {
		set[s] = struct{}{}
	}
	for _, s := range observed {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func patternRetrain(mgr *manager.Manager) TickFn {
	return func(ctx context.Context) error {
		_, err := mgr.ScheduleRecurring(ctx, queue.SystemMaintenance, "ml-pattern-retrain", queue.KindPatternRetrain, nil, 20)
		if err != nil && err != manager.ErrDraining {
			return err
		}
		return nil
	}
}

func hourlyHotRefresh(inv PatternCacheInvalidator) TickFn {
	return func(ctx context.Context) error {
		if inv == nil {
			return nil
		}
		return inv.InvalidateRecentlyCorrected(ctx, 2*time.Hour)
	}
}

func connectionHealthCheck(mgr *manager.Manager) TickFn {
	return func(ctx context.Context) error {
		_, err := mgr.ScheduleRecurring(ctx, queue.SystemMaintenance, "connection-health-check", queue.KindConnectionHealthCheck, nil, 30)
		if err != nil && err != manager.ErrDraining {
			return err
		}
		return nil
	}
}

func inactivityMonitor(mgr *manager.Manager) TickFn {
	return func(ctx context.Context) error {
		_, err := mgr.ScheduleRecurring(ctx, queue.SystemMaintenance, "inactivity-monitor", queue.KindInactivityMonitor, nil, 30)
		if err != nil && err != manager.ErrDraining {
			return err
		}
		return nil
	}
}

func weeklyReports(mgr *manager.Manager, gen ReportGenerator) TickFn {
	return func(ctx context.Context) error {
		if gen == nil {
			return nil
		}
		recipients, err := gen.UsersForWeeklyReport(ctx)
		if err != nil {
			return err
		}
		return sendReports(ctx, mgr, gen, recipients, "last-iso-week")
	}
}

func monthlyReports(mgr *manager.Manager, gen ReportGenerator) TickFn {
	return func(ctx context.Context) error {
		if gen == nil {
			return nil
		}
		recipients, err := gen.UsersForMonthlyReport(ctx)
		if err != nil {
			return err
		}
		return sendReports(ctx, mgr, gen, recipients, "last-calendar-month")
	}
}

func sendReports(ctx context.Context, mgr *manager.Manager, gen ReportGenerator, recipients []ReportRecipient, period string) error {
	for _, r := range recipients {
		for _, space := range r.SpaceIDs {
			report, err := gen.GenerateReport(ctx, r, space, period)
			if err != nil {
				return err
			}
			payload := manager.EmailPayload{
				To:       r.Email,
				Template: "periodic-report",
				Data: map[string]any{
					"spaceId":        report.SpaceID,
					"period":         period,
					"attachmentName": report.AttachmentName,
					"attachmentData": report.AttachmentData,
					"format":         r.Format,
				},
			}
			if _, err := mgr.EnqueueEmail(ctx, payload); err != nil && err != manager.ErrDraining {
				return err
			}
		}
	}
	return nil
}

func propertyValuationRefresh(mgr *manager.Manager, checker ExternalAPIChecker) TickFn {
	return func(ctx context.Context) error {
		if checker != nil {
			available, err := checker.PropertyValuationAPIAvailable(ctx)
			if err != nil {
				return err
			}
			if !available {
				return nil
			}
		}
		_, err := mgr.EnqueuePropertyValuation(ctx, []byte(`{"subtype":"refresh-all"}`), 30)
		if err != nil && err != manager.ErrDraining {
			return err
		}
		return nil
	}
}
