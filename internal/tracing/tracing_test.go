// Copyright 2025 James Ross
package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dhanam/jobqueue/internal/cron"
	"github.com/dhanam/jobqueue/internal/workerpool"
)

func newObservedSink() (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return NewSink(zap.New(core)), logs
}

func TestCaptureExceptionLogsErrorAndTags(t *testing.T) {
	sink, logs := newObservedSink()
	sink.CaptureException(context.Background(), errors.New("boom"), map[string]string{"queue": "sync-transactions"})

	entries := logs.FilterMessage("captured exception").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
}

func TestCaptureCheckInLogsStatus(t *testing.T) {
	sink, logs := newObservedSink()
	sink.CaptureCheckIn(context.Background(), cron.CheckIn{
		MonitorSlug: "categorize-hourly", Status: "ok", Duration: time.Second, ScheduleExpr: "0 * * * *",
	})

	entries := logs.FilterMessage("cron check-in").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
}

func TestCaptureMessageRoutesByLevel(t *testing.T) {
	sink, logs := newObservedSink()
	sink.CaptureMessage(context.Background(), "degraded mode", "warning")

	if logs.FilterMessage("degraded mode").Len() != 1 {
		t.Fatal("expected one warning-level log entry")
	}
}

// Compile-time checks: *Sink must satisfy both consumer contracts without
// either package importing tracing.
var (
	_ workerpool.ErrorSink = (*Sink)(nil)
	_ cron.Sink            = (*Sink)(nil)
)
