// Copyright 2025 James Ross
// Package processors implements the per-Kind processor contracts of spec
// §4.7. Each processor is a workerpool.Processor closure over a small
// collaborator interface — the persistent connection store, provider
// adapters, the categorization engine, the ESG data client, the snapshot
// store, the email sender, and the property valuation client — none of
// which are implemented here, consistent with spec.md §1's exclusion of
// application domain logic from this subsystem. Grounded on the
// teacher's internal/worker/worker.go for the processor-function shape
// (a closure returning an error, wrapped by the pool's retry/DLQ
// machinery) and internal/event-hooks/webhook.go for the rate-limiter
// pattern the property-valuation processor's self-pacing uses.
package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/dhanam/jobqueue/internal/manager"
	"github.com/dhanam/jobqueue/internal/queue"
	"github.com/dhanam/jobqueue/internal/workerpool"
)

// Connection is the persisted record a sync-transactions job looks up
// before calling a provider adapter.
type Connection struct {
	ID              string
	UserID          string
	Provider        string
	EncryptedTokens []byte
}

// SyncResult is written back to the connection's metadata after a sync.
type SyncResult struct {
	LastSyncAt        time.Time
	LastSyncResult    string
	LastSyncDurationMs int64
}

// ConnectionStore resolves and updates persisted provider connections.
type ConnectionStore interface {
	Get(ctx context.Context, userID, connectionID string) (Connection, error)
	RecordSyncResult(ctx context.Context, connectionID string, result SyncResult) error
}

// TokenDecryptor decrypts a connection's stored provider tokens.
type TokenDecryptor interface {
	Decrypt(ctx context.Context, encrypted []byte) ([]byte, error)
}

// ProviderAdapter performs the actual provider-specific sync.
type ProviderAdapter interface {
	Sync(ctx context.Context, provider string, tokens []byte, fullSync bool) error
}

// CategorizeResult is sync-transactions's sibling job's outcome summary.
type CategorizeResult struct {
	Categorized int
	Total       int
	DurationMs  int64
}

// Categorizer classifies transactions into spending categories.
type Categorizer interface {
	CategorizeByIDs(ctx context.Context, spaceID string, transactionIDs []string) (CategorizeResult, error)
	CategorizeUncategorized(ctx context.Context, spaceID string) (CategorizeResult, error)
}

// ESGCacheStats is an opaque summary a vendor client reports after a
// refresh; kept as a map since its shape is vendor-specific.
type ESGCacheStats map[string]any

// ESGClient refreshes and caches ESG scoring data per symbol.
type ESGClient interface {
	ClearCache(ctx context.Context) error
	Refresh(ctx context.Context, symbol string) error
	CacheStats(ctx context.Context) (ESGCacheStats, error)
}

// AccountBalance is one account's current balance for snapshotting.
type AccountBalance struct {
	AccountID string
	Type      string // checking | savings | investment | crypto | credit
	Balance   float64
	Currency  string
}

// SnapshotStore exposes the accounts in a space and persists the
// resulting valuation snapshot.
type SnapshotStore interface {
	AccountsForSpace(ctx context.Context, spaceID string) ([]AccountBalance, error)
	UpsertSnapshot(ctx context.Context, spaceID, date string, netWorth, totalAssets, totalLiabilities float64) error
}

// EmailSender delivers a templated email.
type EmailSender interface {
	Send(ctx context.Context, to, template string, data map[string]any) error
}

// PropertyValuationClient refreshes cached property valuations.
type PropertyValuationClient interface {
	RefreshSingle(ctx context.Context, propertyID string) error
	RefreshSpace(ctx context.Context, spaceID string) error
	// ListAllPropertyIDs supports refresh-all's self-paced iteration.
	ListAllPropertyIDs(ctx context.Context) ([]string, error)
}

// PatternRetrainer retrains per-space categorization patterns and prunes
// the raw correction history behind them (spec §4.6 "ML pattern retrain").
type PatternRetrainer interface {
	RetrainAll(ctx context.Context) error
	PruneCorrectionsOlderThan(ctx context.Context, days int) error
}

// ConnectionHealthChecker classifies every non-manual account's connection
// health and raises consolidated, suppressed notifications (spec §4.6
// "connection health check"). Suppression windows and per-provider health
// timestamps are this collaborator's own concern, not this subsystem's.
type ConnectionHealthChecker interface {
	RunHealthCheck(ctx context.Context) error
}

// InactivityMonitorRunner computes per-user inactivity and notifies users
// and executors across configured alert thresholds (spec §4.6 "inactivity
// monitor"). Threshold crossing and suppression bookkeeping live entirely
// behind this interface.
type InactivityMonitorRunner interface {
	RunInactivityCheck(ctx context.Context) error
}

// Collaborators bundles every processor dependency. Register wires each
// non-nil field onto a workerpool.Pool.
type Collaborators struct {
	Connections       ConnectionStore
	Tokens            TokenDecryptor
	Providers         ProviderAdapter
	Categorizer       Categorizer
	ESG               ESGClient
	Snapshots         SnapshotStore
	Email             EmailSender
	Property          PropertyValuationClient
	PatternRetrainer  PatternRetrainer
	ConnectionHealth  ConnectionHealthChecker
	InactivityMonitor InactivityMonitorRunner
}

// propertyValuationPace is the self-pacing interval spec §4.7/§5 mandate
// between refresh-all requests to the external property valuation API.
const propertyValuationPace = 500 * time.Millisecond

// Register binds every Kind this package implements onto pool.
func Register(pool *workerpool.Pool, c Collaborators) {
	pool.RegisterProcessor(queue.KindSyncTransactions, syncTransactions(c))
	pool.RegisterProcessor(queue.KindCategorizeTransactions, categorizeTransactions(c))
	pool.RegisterProcessor(queue.KindESGUpdate, esgUpdate(c))
	pool.RegisterProcessor(queue.KindValuationSnapshot, valuationSnapshot(c))
	pool.RegisterProcessor(queue.KindSendEmail, sendEmail(c))
	pool.RegisterProcessor(queue.KindPropertyValuation, propertyValuation(c))
	pool.RegisterProcessor(queue.KindPatternRetrain, patternRetrain(c))
	pool.RegisterProcessor(queue.KindConnectionHealthCheck, connectionHealthCheck(c))
	pool.RegisterProcessor(queue.KindInactivityMonitor, inactivityMonitor(c))
}

// correctionRetentionDays is spec §4.6's "delete raw corrections older
// than 365 days" housekeeping that rides along with the retrain tick.
const correctionRetentionDays = 365

func syncTransactions(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload manager.SyncPayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		conn, err := c.Connections.Get(ctx, payload.UserID, payload.ConnectionID)
		if err != nil {
			return Wrap(Infrastructure, err)
		}
		if conn.UserID != payload.UserID {
			return Wrap(Domain, fmt.Errorf("connection %s does not belong to user %s", conn.ID, payload.UserID))
		}
		tokens := conn.EncryptedTokens
		if c.Tokens != nil {
			decrypted, err := c.Tokens.Decrypt(ctx, conn.EncryptedTokens)
			if err != nil {
				return Wrap(Infrastructure, err)
			}
			tokens = decrypted
		}

		start := time.Now()
		syncErr := c.Providers.Sync(ctx, payload.Provider, tokens, payload.FullSync)
		duration := time.Since(start)

		result := SyncResult{LastSyncAt: start, LastSyncDurationMs: duration.Milliseconds()}
		if syncErr != nil {
			result.LastSyncResult = "error"
		} else {
			result.LastSyncResult = "ok"
		}
		if err := c.Connections.RecordSyncResult(ctx, conn.ID, result); err != nil {
			return Wrap(Infrastructure, err)
		}
		if syncErr != nil {
			return Wrap(Provider, syncErr)
		}
		return nil
	}
}

func categorizeTransactions(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload manager.CategorizePayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		var err error
		if len(payload.TransactionIDs) > 0 {
			_, err = c.Categorizer.CategorizeByIDs(ctx, payload.SpaceID, payload.TransactionIDs)
		} else {
			_, err = c.Categorizer.CategorizeUncategorized(ctx, payload.SpaceID)
		}
		if err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}

func esgUpdate(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload manager.ESGPayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		if payload.ForceRefresh {
			if err := c.ESG.ClearCache(ctx); err != nil {
				return Wrap(Infrastructure, err)
			}
		}
		for _, symbol := range payload.Symbols {
			if err := c.ESG.Refresh(ctx, symbol); err != nil {
				return Wrap(Provider, err)
			}
		}
		if _, err := c.ESG.CacheStats(ctx); err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}

// netWorth applies spec §4.7's exact formula:
// Σbalances(checking,savings,investment,crypto) − Σ|balances(credit)|.
func netWorth(accounts []AccountBalance) (netWorth, totalAssets, totalLiabilities float64) {
	for _, a := range accounts {
		switch a.Type {
		case "checking", "savings", "investment", "crypto":
			totalAssets += a.Balance
		case "credit":
			totalLiabilities += absFloat(a.Balance)
		}
	}
	netWorth = totalAssets - totalLiabilities
	return netWorth, totalAssets, totalLiabilities
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func valuationSnapshot(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload manager.SnapshotPayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		date := payload.Date
		if date == "" {
			date = time.Now().Format("2006-01-02")
		}
		accounts, err := c.Snapshots.AccountsForSpace(ctx, payload.SpaceID)
		if err != nil {
			return Wrap(Infrastructure, err)
		}
		nw, assets, liabilities := netWorth(accounts)
		if err := c.Snapshots.UpsertSnapshot(ctx, payload.SpaceID, date, nw, assets, liabilities); err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}

func sendEmail(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload manager.EmailPayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		if err := c.Email.Send(ctx, payload.To, payload.Template, payload.Data); err != nil {
			return Wrap(Provider, err)
		}
		return nil
	}
}

// propertyValuationPayload discriminates the property-valuation job's
// subtype (spec §4.7: "branch on subtype {refresh-single, refresh-space,
// refresh-all}").
type propertyValuationPayload struct {
	Subtype    string `json:"subtype"`
	PropertyID string `json:"propertyId,omitempty"`
	SpaceID    string `json:"spaceId,omitempty"`
}

func propertyValuation(c Collaborators) workerpool.Processor {
	limiter := rate.NewLimiter(rate.Every(propertyValuationPace), 1)
	return func(ctx context.Context, jc workerpool.JobContext) error {
		var payload propertyValuationPayload
		if err := json.Unmarshal(jc.Payload, &payload); err != nil {
			return Wrap(Validation, err)
		}
		switch payload.Subtype {
		case "refresh-single":
			if err := c.Property.RefreshSingle(ctx, payload.PropertyID); err != nil {
				return Wrap(Provider, err)
			}
		case "refresh-space":
			if err := c.Property.RefreshSpace(ctx, payload.SpaceID); err != nil {
				return Wrap(Provider, err)
			}
		case "refresh-all":
			ids, err := c.Property.ListAllPropertyIDs(ctx)
			if err != nil {
				return Wrap(Infrastructure, err)
			}
			for _, id := range ids {
				if err := limiter.Wait(ctx); err != nil {
					return Wrap(Infrastructure, err)
				}
				if err := c.Property.RefreshSingle(ctx, id); err != nil {
					return Wrap(Provider, err)
				}
			}
		default:
			return Wrap(Validation, fmt.Errorf("unknown property-valuation subtype %q", payload.Subtype))
		}
		return nil
	}
}

func patternRetrain(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		if err := c.PatternRetrainer.RetrainAll(ctx); err != nil {
			return Wrap(Infrastructure, err)
		}
		if err := c.PatternRetrainer.PruneCorrectionsOlderThan(ctx, correctionRetentionDays); err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}

func connectionHealthCheck(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		if err := c.ConnectionHealth.RunHealthCheck(ctx); err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}

func inactivityMonitor(c Collaborators) workerpool.Processor {
	return func(ctx context.Context, jc workerpool.JobContext) error {
		if err := c.InactivityMonitor.RunInactivityCheck(ctx); err != nil {
			return Wrap(Infrastructure, err)
		}
		return nil
	}
}
