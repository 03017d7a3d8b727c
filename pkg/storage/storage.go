package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ursadefi/ursapay/pkg/core"
)

// InvoiceStore is the persistence collaborator the engine reconciles against.
// UpdateStatus is conditional on the invoice still being pending, which is what
// keeps status transitions monotonic under concurrent writers.
type InvoiceStore interface {
	Create(ctx context.Context, inv *core.Invoice) error
	Get(ctx context.Context, id uuid.UUID) (*core.Invoice, error)
	List(ctx context.Context) ([]*core.Invoice, error)
	ListPending(ctx context.Context) ([]*core.Invoice, error)
	// PendingByTag returns the pending invoice holding the tag, or
	// core.ErrEntityNotFound if no pending invoice holds it.
	PendingByTag(ctx context.Context, tag uint32) (*core.Invoice, error)
	PendingCount(ctx context.Context) (int, error)
	// UpdateStatus moves a pending invoice into a terminal status. It fails
	// with core.ErrConflict when the invoice is no longer pending.
	// matchedTxID must be set exactly when status is paid.
	UpdateStatus(ctx context.Context, id uuid.UUID, status core.InvoiceStatus, matchedTxID string) error
	// TransactionClaimed reports whether a transaction hash is already
	// recorded as the matched transaction of any invoice.
	TransactionClaimed(ctx context.Context, txID string) (bool, error)
	SetNotaryTransaction(ctx context.Context, id uuid.UUID, txID string) error
}

// CursorStore persists the observer's resume position so a restart neither
// re-scans full history nor skips transfers that arrived while down.
type CursorStore interface {
	// Cursor returns the last fully processed ledger index, 0 if never set.
	Cursor(ctx context.Context) (uint32, error)
	SetCursor(ctx context.Context, ledgerIndex uint32) error
}

// Store is the full persistence surface the engine needs.
type Store interface {
	InvoiceStore
	CursorStore
}
