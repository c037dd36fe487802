// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived  prometheus.Counter
	CommandsHandled   *prometheus.CounterVec // label: command
	GateRejections    prometheus.Counter
	Verifications     *prometheus.CounterVec // label: source (agree|roster)
	CollaboratorCalls *prometheus.CounterVec // labels: collaborator, outcome
	ModerationActions *prometheus.CounterVec // labels: action, outcome
	RepliesDropped    prometheus.Counter

	// Histograms (seconds)
	CollaboratorDuration *prometheus.HistogramVec // label: collaborator

	// Gauges
	VerifiedUsersGauge prometheus.Gauge
	ConnectedGauge     prometheus.Gauge // 1=connected,0=otherwise
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chatgate_messages_received_total", Help: "Chat messages delivered to the dispatcher"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_commands_total", Help: "Commands dispatched by key"}, []string{"command"})
		GateRejections = promauto.NewCounter(prometheus.CounterOpts{Name: "chatgate_gate_rejections_total", Help: "Commands refused because the sender has not agreed"})
		Verifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_verifications_total", Help: "Users promoted to verified"}, []string{"source"})
		CollaboratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_collaborator_calls_total", Help: "External collaborator calls by outcome"}, []string{"collaborator", "outcome"})
		ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatgate_moderation_actions_total", Help: "Ban/unban actions by outcome"}, []string{"action", "outcome"})
		RepliesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatgate_replies_dropped_total", Help: "Replies discarded because the channel was departed"})
		CollaboratorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatgate_collaborator_duration_seconds", Help: "External collaborator call duration seconds", Buckets: prometheus.DefBuckets}, []string{"collaborator"})
		VerifiedUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatgate_verified_users", Help: "Number of verified users known locally"})
		ConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatgate_chat_connected", Help: "Chat session connected=1 otherwise=0"})
	})
}

// UpdateConnectedGauge sets gauge to 1 if connected else 0.
func UpdateConnectedGauge(connected bool) {
	if ConnectedGauge != nil {
		if connected {
			ConnectedGauge.Set(1)
		} else {
			ConnectedGauge.Set(0)
		}
	}
}

// SetVerifiedUsers records the current size of the verified set.
func SetVerifiedUsers(n int) {
	if VerifiedUsersGauge != nil {
		VerifiedUsersGauge.Set(float64(n))
	}
}

// CountCommand increments the per-command counter if metrics are initialized.
func CountCommand(command string) {
	if CommandsHandled != nil {
		CommandsHandled.WithLabelValues(command).Inc()
	}
}

// Inc increments c if it is non-nil.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// ObserveCollaborator records one collaborator call outcome and its duration.
func ObserveCollaborator(name string, ok bool, d time.Duration) {
	if CollaboratorCalls == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	CollaboratorCalls.WithLabelValues(name, outcome).Inc()
	CollaboratorDuration.WithLabelValues(name).Observe(d.Seconds())
}

// CountModeration records a moderation action outcome.
func CountModeration(action string, err error) {
	if ModerationActions == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ModerationActions.WithLabelValues(action, outcome).Inc()
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
