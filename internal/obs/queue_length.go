// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/manager"
)

// StartQueueLengthUpdater samples every provisioned queue's depth and
// updates QueueDepth, stopping when ctx is canceled. Grounded on the
// teacher's StartQueueLengthUpdater, adapted from polling a raw *redis.Client
// via LLen against a config-listed queue set to reading *manager.Manager's
// own Stats, which already abstracts over the backing kvstore.Store.
func StartQueueLengthUpdater(ctx context.Context, mgr *manager.Manager, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, name := range mgr.Queues() {
					s, err := mgr.QueueStats(ctx, name)
					if err != nil {
						log.Debug("queue depth poll error", String("queue", string(name)), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(string(name), "waiting").Set(float64(s.Waiting))
					QueueDepth.WithLabelValues(string(name), "delayed").Set(float64(s.Delayed))
					QueueDepth.WithLabelValues(string(name), "active").Set(float64(s.Active))
					QueueDepth.WithLabelValues(string(name), "failed").Set(float64(s.Failed))
				}
			}
		}
	}()
}
