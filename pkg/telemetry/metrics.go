// Package telemetry exposes Prometheus metrics for the trading engine.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instruments. One instance is shared by all
// components; use Get for the process-wide default.
type Metrics struct {
	QuotesApplied        prometheus.Counter
	PriceChanges         prometheus.Counter
	Evaluations          prometheus.Counter
	OpportunitiesFound   prometheus.Counter
	OrdersSubmitted      prometheus.Counter
	OrdersCancelled      prometheus.Counter
	MakeupOrders         prometheus.Counter
	TradesCompleted      prometheus.Counter
	TradesAbandoned      prometheus.Counter
	QueueTasksDispatched *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
	ExecutionSeconds     prometheus.Histogram
	PercentGain          prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	initOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QuotesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_quotes_applied_total",
			Help: "Ticker snapshots applied to the price cache.",
		}),
		PriceChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_price_changes_total",
			Help: "Ticker snapshots that changed at least one edge.",
		}),
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_evaluations_total",
			Help: "Rotation profitability evaluations performed.",
		}),
		OpportunitiesFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_opportunities_found_total",
			Help: "Rotations that cleared the execution threshold.",
		}),
		OrdersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_orders_submitted_total",
			Help: "Leg orders submitted to the venue.",
		}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_orders_cancelled_total",
			Help: "Leg orders successfully cancelled during reconciliation.",
		}),
		MakeupOrders: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_makeup_orders_total",
			Help: "Re-priced replacement orders submitted after cancellation.",
		}),
		TradesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_trades_completed_total",
			Help: "Triangle executions that reached Completed.",
		}),
		TradesAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "tri_trader_trades_abandoned_total",
			Help: "Triangle executions that reached Abandoned.",
		}),
		QueueTasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tri_trader_queue_tasks_dispatched_total",
			Help: "Tasks dispatched by the queue, per lane.",
		}, []string{"lane"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tri_trader_queue_depth",
			Help: "Tasks waiting in the queue, per lane.",
		}, []string{"lane"}),
		ExecutionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tri_trader_execution_seconds",
			Help:    "Wall-clock duration of triangle executions.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		PercentGain: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tri_trader_percent_gain",
			Help:    "Evaluated percent gain of candidate rotations.",
			Buckets: prometheus.LinearBuckets(-1, 0.1, 40),
		}),
	}
}

// NewForTest returns metrics bound to a private registry so parallel tests
// do not collide on the default registerer.
func NewForTest() *Metrics {
	return newMetrics(prometheus.NewRegistry())
}

// Server serves the /metrics endpoint.
type Server struct {
	srv *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run blocks serving metrics until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
