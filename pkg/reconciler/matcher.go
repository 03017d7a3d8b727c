package reconciler

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/storage"
)

var matchOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconciler_outcomes_total",
		Help: "Matcher outcomes per observed transfer.",
	},
	[]string{"outcome"},
)

// Matcher drives the invoice state machine. It is the only actor that moves
// invoices out of pending; everything it does is synchronous and in-memory
// except the store calls.
type Matcher struct {
	logger *zap.Logger
	store  storage.InvoiceStore
	// tolerance is the absolute amount difference still accepted as payment
	// in full. Zero by default: the payer must send the precise amount.
	tolerance decimal.Decimal
	events    chan<- core.ReconciliationEvent
	now       func() time.Time
}

func NewMatcher(logger *zap.Logger, store storage.InvoiceStore, tolerance decimal.Decimal, events chan<- core.ReconciliationEvent) *Matcher {
	return &Matcher{
		logger:    logger,
		store:     store,
		tolerance: tolerance,
		events:    events,
		now:       time.Now,
	}
}

// ExpireOverdue transitions every pending invoice whose due date has passed
// and which received no eligible transfer. Evaluated lazily once per cycle.
func (m *Matcher) ExpireOverdue(ctx context.Context) error {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return errors.Wrap(err, "list pending")
	}
	now := m.now()
	for _, inv := range pending {
		if !inv.Overdue(now) {
			continue
		}
		err := m.store.UpdateStatus(ctx, inv.ID, core.StatusExpired, "")
		if errors.Is(err, core.ErrConflict) {
			// lost the race to another transition, which is fine
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "expire invoice %s", inv.ID)
		}
		matchOutcomes.WithLabelValues("expired").Inc()
		m.logger.Info("invoice expired",
			zap.String("invoice", inv.ID.String()),
			zap.Uint32("tag", inv.CorrelationTag))
		m.emit(core.ReconciliationEvent{
			Type:           core.EventInvoiceExpired,
			InvoiceID:      inv.ID,
			CorrelationTag: inv.CorrelationTag,
			ExpectedAmount: inv.ExpectedAmount,
			OccurredAt:     now,
		})
	}
	return nil
}

// Process matches one observed transfer against the pending set. It returns
// an error only for store failures; an unmatched or ineligible transfer is a
// normal outcome. Callers must not mark the transfer processed when an error
// is returned, so the decision is re-derived on the next cycle.
func (m *Matcher) Process(ctx context.Context, transfer core.ObservedTransfer) error {
	if !transfer.Eligible() {
		matchOutcomes.WithLabelValues("ineligible").Inc()
		m.logger.Debug("transfer not eligible for matching",
			zap.String("tx", transfer.TransactionID),
			zap.String("result", transfer.ResultCode),
			zap.Bool("tagged", transfer.Tag != nil))
		return nil
	}
	inv, err := m.store.PendingByTag(ctx, *transfer.Tag)
	if errors.Is(err, core.ErrEntityNotFound) {
		// may belong to another instance or be unsolicited
		matchOutcomes.WithLabelValues("unmatched").Inc()
		m.logger.Info("unmatched transfer",
			zap.String("tx", transfer.TransactionID),
			zap.Uint32("tag", *transfer.Tag),
			zap.String("amount", transfer.Amount.String()))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lookup by tag")
	}

	claimed, err := m.store.TransactionClaimed(ctx, transfer.TransactionID)
	if err != nil {
		return errors.Wrap(err, "check claimed")
	}
	if claimed {
		// never credit one transaction to a second invoice
		matchOutcomes.WithLabelValues("already_claimed").Inc()
		m.logger.Error("transaction already claimed by another invoice",
			zap.String("tx", transfer.TransactionID),
			zap.String("invoice", inv.ID.String()),
			zap.Uint32("tag", *transfer.Tag))
		return nil
	}

	diff := transfer.Amount.Sub(inv.ExpectedAmount).Abs()
	if diff.LessThanOrEqual(m.tolerance) {
		return m.confirm(ctx, inv, transfer)
	}
	return m.mismatch(ctx, inv, transfer)
}

func (m *Matcher) confirm(ctx context.Context, inv *core.Invoice, transfer core.ObservedTransfer) error {
	err := m.store.UpdateStatus(ctx, inv.ID, core.StatusPaid, transfer.TransactionID)
	if err != nil {
		return errors.Wrapf(err, "mark invoice %s paid", inv.ID)
	}
	matchOutcomes.WithLabelValues("paid").Inc()
	m.logger.Info("payment confirmed",
		zap.String("invoice", inv.ID.String()),
		zap.String("tx", transfer.TransactionID),
		zap.String("amount", transfer.Amount.String()))
	received := transfer.Amount
	m.emit(core.ReconciliationEvent{
		Type:           core.EventPaymentConfirmed,
		InvoiceID:      inv.ID,
		CorrelationTag: inv.CorrelationTag,
		TransactionID:  transfer.TransactionID,
		ExpectedAmount: inv.ExpectedAmount,
		ReceivedAmount: &received,
		OccurredAt:     m.now(),
	})
	return nil
}

// mismatch parks the invoice for manual review. A short or over payment
// never settles an invoice and never counts as settlement later.
func (m *Matcher) mismatch(ctx context.Context, inv *core.Invoice, transfer core.ObservedTransfer) error {
	err := m.store.UpdateStatus(ctx, inv.ID, core.StatusMismatched, "")
	if err != nil {
		return errors.Wrapf(err, "mark invoice %s mismatched", inv.ID)
	}
	matchOutcomes.WithLabelValues("mismatched").Inc()
	m.logger.Warn("payment amount mismatch",
		zap.String("invoice", inv.ID.String()),
		zap.String("tx", transfer.TransactionID),
		zap.String("expected", inv.ExpectedAmount.String()),
		zap.String("received", transfer.Amount.String()))
	received := transfer.Amount
	m.emit(core.ReconciliationEvent{
		Type:           core.EventPaymentMismatch,
		InvoiceID:      inv.ID,
		CorrelationTag: inv.CorrelationTag,
		TransactionID:  transfer.TransactionID,
		ExpectedAmount: inv.ExpectedAmount,
		ReceivedAmount: &received,
		OccurredAt:     m.now(),
	})
	return nil
}

func (m *Matcher) emit(event core.ReconciliationEvent) {
	if m.events == nil {
		return
	}
	m.events <- event
}
