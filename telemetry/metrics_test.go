package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not panic on duplicate registration

	if MessagesReceived == nil || CommandsHandled == nil || CollaboratorCalls == nil {
		t.Fatal("counters not initialized")
	}
	if CollaboratorDuration == nil {
		t.Error("CollaboratorDuration histogram not initialized")
	}
	if VerifiedUsersGauge == nil || ConnectedGauge == nil {
		t.Error("gauges not initialized")
	}
}

func TestObserveCollaborator(t *testing.T) {
	Init()

	before := testutil.ToFloat64(CollaboratorCalls.WithLabelValues("roster", "error"))
	ObserveCollaborator("roster", false, 20*time.Millisecond)
	after := testutil.ToFloat64(CollaboratorCalls.WithLabelValues("roster", "error"))
	if after-before != 1 {
		t.Errorf("roster error count delta = %v, want 1", after-before)
	}
}

func TestCountModeration(t *testing.T) {
	Init()

	okBefore := testutil.ToFloat64(ModerationActions.WithLabelValues("ban", "ok"))
	errBefore := testutil.ToFloat64(ModerationActions.WithLabelValues("ban", "error"))
	CountModeration("ban", nil)
	CountModeration("ban", errors.New("boom"))
	if d := testutil.ToFloat64(ModerationActions.WithLabelValues("ban", "ok")) - okBefore; d != 1 {
		t.Errorf("ok delta = %v, want 1", d)
	}
	if d := testutil.ToFloat64(ModerationActions.WithLabelValues("ban", "error")) - errBefore; d != 1 {
		t.Errorf("error delta = %v, want 1", d)
	}
}

func TestGauges(t *testing.T) {
	Init()

	UpdateConnectedGauge(true)
	if v := testutil.ToFloat64(ConnectedGauge); v != 1 {
		t.Errorf("ConnectedGauge = %v, want 1", v)
	}
	UpdateConnectedGauge(false)
	if v := testutil.ToFloat64(ConnectedGauge); v != 0 {
		t.Errorf("ConnectedGauge = %v, want 0", v)
	}
	SetVerifiedUsers(7)
	if v := testutil.ToFloat64(VerifiedUsersGauge); v != 7 {
		t.Errorf("VerifiedUsersGauge = %v, want 7", v)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}
	if n := testutil.CollectAndCount(testHistogram); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
