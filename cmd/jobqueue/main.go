// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dhanam/jobqueue/internal/breaker"
	"github.com/dhanam/jobqueue/internal/clock"
	"github.com/dhanam/jobqueue/internal/config"
	"github.com/dhanam/jobqueue/internal/cron"
	"github.com/dhanam/jobqueue/internal/kvstore"
	"github.com/dhanam/jobqueue/internal/manager"
	"github.com/dhanam/jobqueue/internal/obs"
	"github.com/dhanam/jobqueue/internal/processors"
	"github.com/dhanam/jobqueue/internal/queue"
	"github.com/dhanam/jobqueue/internal/redisclient"
	"github.com/dhanam/jobqueue/internal/tracing"
	"github.com/dhanam/jobqueue/internal/workerpool"
)

var version = "dev"

func main() {
	var configPath string
	var adminCmd string
	var adminQueue string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|pause|resume|clear|retry-failed|show-config")
	fs.StringVar(&adminQueue, "queue", "", "Queue name for admin commands")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := tracing.MaybeInit(&cfg.Observability.Tracing)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
	}

	var store kvstore.Store
	var rdb *redis.Client
	if cfg.TestMode {
		store = kvstore.NewMemory(time.Now)
	} else {
		rdb = redisclient.New(cfg)
		store = kvstore.NewRedis(rdb)
	}

	clk := clock.Real{}
	mgr := manager.New(store, cfg.Namespace, cfg.TestMode, clk, logger)
	sink := tracing.NewSink(logger)

	pool := workerpool.New(logger, clk, sink, mgr.DLQ().Promote)
	processors.Register(pool, processors.Collaborators{})

	for _, name := range mgr.Queues() {
		q, err := mgr.Queue(name)
		if err != nil {
			logger.Fatal("unknown provisioned queue", obs.String("queue", string(name)))
		}
		cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
		concurrency := config.QueueConcurrency(string(name), cfg.WorkerPool.DefaultConcurrency)
		pool.AddQueue(q, concurrency, cb, cfg.WorkerPool.StallWindow)
	}

	scheduler := cron.New(logger, clk, sink)
	if err := cron.RegisterAll(scheduler, mgr, cron.Dependencies{}); err != nil {
		logger.Fatal("failed to register cron schedules", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if adminCmd != "" {
		runAdmin(ctx, mgr, logger, cfg, adminCmd, adminQueue)
		return
	}

	readyCheck := func(c context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(c).Err()
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, mgr, cfg.Observability.QueueSampleInterval, logger)

	pool.Start(ctx)
	scheduler.Start()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, draining", obs.String("signal", sig.String()))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer drainCancel()
	activeTotal := func(ctx context.Context) (int64, error) {
		stats, _, err := mgr.AllQueueStats(ctx)
		if err != nil {
			return 0, err
		}
		var total int64
		for _, s := range stats {
			total += s.Active
		}
		return total, nil
	}
	if err := mgr.Drain(drainCtx, 30*time.Second, activeTotal); err != nil {
		logger.Error("drain error", obs.Err(err))
	}

	scheduler.Stop()
	pool.Stop()
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

func runAdmin(ctx context.Context, mgr *manager.Manager, logger *zap.Logger, cfg *config.Config, cmd, queueArg string) {
	switch cmd {
	case "show-config":
		b, err := cfg.YAML()
		if err != nil {
			logger.Fatal("admin show-config error", obs.Err(err))
		}
		fmt.Println(string(b))
	case "stats":
		if queueArg != "" {
			s, err := mgr.QueueStats(ctx, queue.Name(queueArg))
			if err != nil {
				logger.Fatal("admin stats error", obs.Err(err))
			}
			printJSON(s)
			return
		}
		stats, dlqStats, err := mgr.AllQueueStats(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(struct {
			Queues interface{} `json:"queues"`
			DLQ    interface{} `json:"dlq"`
		}{stats, dlqStats})
	case "pause":
		requireQueue(logger, queueArg)
		if err := mgr.Pause(ctx, queue.Name(queueArg)); err != nil {
			logger.Fatal("admin pause error", obs.Err(err))
		}
		fmt.Println("paused")
	case "resume":
		requireQueue(logger, queueArg)
		if err := mgr.Resume(ctx, queue.Name(queueArg)); err != nil {
			logger.Fatal("admin resume error", obs.Err(err))
		}
		fmt.Println("resumed")
	case "clear":
		requireQueue(logger, queueArg)
		if err := mgr.ClearAll(ctx, queue.Name(queueArg)); err != nil {
			logger.Fatal("admin clear error", obs.Err(err))
		}
		fmt.Println("cleared")
	case "retry-failed":
		requireQueue(logger, queueArg)
		n, err := mgr.RetryFailed(ctx, queue.Name(queueArg))
		if err != nil {
			logger.Fatal("admin retry-failed error", obs.Err(err))
		}
		printJSON(struct {
			Retried int `json:"retried"`
		}{n})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func requireQueue(logger *zap.Logger, q string) {
	if q == "" {
		logger.Fatal("admin command requires --queue")
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
