// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var (
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_operations_total",
			Help: "Engine operations by outcome",
		},
		[]string{"op", "status"}, // ok, or the error kind
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "futarchy_operation_duration_seconds",
			Help:    "Duration of engine operations including the store commit",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	Trades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_trades_total",
			Help: "Committed outcome trades",
		},
		[]string{"side", "direction"}, // pass/fail, buy/sell
	)

	TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_trade_volume",
			Help: "Collateral moved by committed trades",
		},
		[]string{"side", "direction"},
	)

	Lifecycle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_lifecycle_events_total",
			Help: "Proposal lifecycle transitions",
		},
		[]string{"event"},
	)

	Redeemed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "futarchy_redeemed_collateral",
			Help: "Collateral paid out to token holders",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_http_requests_total",
			Help: "API requests",
		},
		[]string{"method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "futarchy_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	KeeperActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_keeper_actions_total",
			Help: "Keeper pokes and closes",
		},
		[]string{"action", "status"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "futarchy_events_published_total",
			Help: "Event deliveries per sink",
		},
		[]string{"sink", "status"},
	)

	ArchivedProposals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "futarchy_archived_proposals_total",
			Help: "Proposals exported to the archive bucket",
		},
	)
)

// Status labels err as "ok", its domain error kind, or "error".
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrLockHeld):
		return "lock_held"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// Observer records orchestrator operation outcomes.
type Observer struct{}

// ObserveOp records one operation.
func (Observer) ObserveOp(op string, elapsed time.Duration, err error) {
	Operations.WithLabelValues(op, Status(err)).Inc()
	OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordEvent records the business counters of a committed event.
func RecordEvent(ev domain.Event) {
	switch ev.Type {
	case domain.EventOutcomeBought, domain.EventOutcomeSold:
		dir := "buy"
		if ev.Type == domain.EventOutcomeSold {
			dir = "sell"
		}
		Trades.WithLabelValues(string(ev.Side), dir).Inc()
		TradeVolume.WithLabelValues(string(ev.Side), dir).Add(ev.Amount.InexactFloat64())
	case domain.EventWinningsRedeemed:
		Redeemed.Add(ev.Amount.InexactFloat64())
	case domain.EventOraclePoked:
	default:
		Lifecycle.WithLabelValues(string(ev.Type)).Inc()
	}
}

// RecordHTTP records one API request.
func RecordHTTP(method string, status int, elapsed time.Duration) {
	HTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
	HTTPDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}

// RecordKeeper records one keeper action.
func RecordKeeper(action string, err error) {
	KeeperActions.WithLabelValues(action, Status(err)).Inc()
}

// RecordPublish records one event delivery to sink.
func RecordPublish(sink string, err error) {
	EventsPublished.WithLabelValues(sink, Status(err)).Inc()
}
