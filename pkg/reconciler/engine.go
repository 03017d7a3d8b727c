package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/observer"
)

var (
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciler_cycle_seconds",
		Help:    "Poll cycle duration distribution in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})
	cyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_cycles_skipped_total",
			Help: "Cycles that did not complete, by reason.",
		},
		[]string{"reason"},
	)
)

// LedgerConn is the connection lifecycle of the ledger adapter. The engine
// acquires a connection per cycle and always releases it.
type LedgerConn interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// Engine runs the periodic poll loop: query ledger, expire overdue invoices,
// match new transfers, persist the cursor, emit events. One engine per
// monitored account; the guard mutex keeps cycles from overlapping when a
// cycle overruns the interval.
type Engine struct {
	logger   *zap.Logger
	conn     LedgerConn
	observer *observer.Observer
	matcher  *Matcher
	interval time.Duration

	guard sync.Mutex
}

func NewEngine(logger *zap.Logger, conn LedgerConn, obs *observer.Observer, matcher *Matcher, interval time.Duration) *Engine {
	return &Engine{
		logger:   logger,
		conn:     conn,
		observer: obs,
		matcher:  matcher,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, running one cycle immediately and then
// one per interval. The in-flight cycle finishes before Run returns, so the
// cursor is persisted and the connection released on shutdown.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs a single poll cycle. Transient ledger errors never
// propagate past this boundary: the cycle is skipped with the cursor
// unchanged and the next tick tries again.
func (e *Engine) RunCycle(ctx context.Context) {
	if !e.guard.TryLock() {
		cyclesSkipped.WithLabelValues("overlap").Inc()
		e.logger.Warn("previous cycle still running, skipping")
		return
	}
	defer e.guard.Unlock()

	timer := prometheus.NewTimer(cycleDuration)
	defer timer.ObserveDuration()

	// a cycle never outlives its slot: a node that stops answering
	// mid-query times the cycle out instead of wedging the loop
	ctx, cancel := context.WithTimeout(ctx, e.interval)
	defer cancel()

	if err := e.cycle(ctx); err != nil {
		if errors.Is(err, core.ErrLedgerUnavailable) {
			cyclesSkipped.WithLabelValues("ledger_unavailable").Inc()
			e.logger.Warn("ledger unreachable, cycle skipped", zap.Error(err))
			return
		}
		cyclesSkipped.WithLabelValues("error").Inc()
		e.logger.Error("cycle aborted", zap.Error(err))
	}
}

func (e *Engine) cycle(ctx context.Context) error {
	if err := e.conn.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := e.conn.Disconnect(); err != nil {
			e.logger.Warn("ledger disconnect", zap.Error(err))
		}
	}()

	// expiry is evaluated lazily once per cycle, before matching
	if err := e.matcher.ExpireOverdue(ctx); err != nil {
		return err
	}

	batch, err := e.observer.Poll(ctx)
	if err != nil {
		return err
	}
	for _, transfer := range batch.Transfers {
		if err := e.matcher.Process(ctx, transfer); err != nil {
			// leave the cursor as is: the transfer is re-observed and
			// the decision re-derived next cycle
			return err
		}
		e.observer.MarkProcessed(transfer.TransactionID)
	}
	if err := e.observer.Commit(ctx, batch.NextCursor); err != nil {
		return errors.Wrap(err, "persist cursor")
	}
	return nil
}
