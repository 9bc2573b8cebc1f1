// Package cleanup runs the recurring slot-lock expiry sweep.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotlock_sweep_runs_total",
		Help: "Total sweep executions grouped by outcome.",
	}, []string{"result"})
	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slotlock_sweep_expired_total",
		Help: "Total locks transitioned to expired by the sweeper.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slotlock_sweep_duration_seconds",
		Help:    "Duration of a single expiry sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

// Sweeper is the operation the worker drives on each tick.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Worker invokes SweepExpired on a fixed interval. A failed sweep is logged
// and swallowed so the next scheduled run still happens; only context
// cancellation stops the loop.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewWorker constructs a Worker sweeping every interval.
func NewWorker(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		tracer:   otel.Tracer("slotlock.cleanup"),
	}
}

// Run executes sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.sweeper == nil {
		return errors.New("cleanup worker requires a sweeper")
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "cleanup.sweep")
	defer span.End()

	start := time.Now()
	expired, err := w.sweeper.SweepExpired(ctx)
	elapsed := time.Since(start)
	sweepDuration.Observe(elapsed.Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepRuns.WithLabelValues("failed").Inc()
		w.logger.Error("expiry sweep failed", zap.Error(err), zap.Int("expired", expired))
		return
	}
	sweepRuns.WithLabelValues("ok").Inc()
	sweepExpiredTotal.Add(float64(expired))
	if expired > 0 {
		w.logger.Info("expired stale locks", zap.Int("count", expired), zap.Duration("took", elapsed))
	}
}
