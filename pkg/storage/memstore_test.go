package storage

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ursadefi/ursapay/pkg/core"
)

func newInvoice(tag uint32) *core.Invoice {
	return &core.Invoice{
		ID:             uuid.New(),
		CorrelationTag: tag,
		ExpectedAmount: decimal.RequireFromString("100"),
		Status:         core.StatusPending,
		ClientName:     "Acme",
		CreatedAt:      time.Now(),
		DueAt:          time.Now().Add(24 * time.Hour),
	}
}

func TestMemStorePendingByTag(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	inv := newInvoice(42)
	require.NoError(t, store.Create(ctx, inv))

	got, err := store.PendingByTag(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, inv.ID, got.ID)

	_, err = store.PendingByTag(ctx, 43)
	require.True(t, errors.Is(err, core.ErrEntityNotFound))

	// tag lookup only covers the pending subset
	require.NoError(t, store.UpdateStatus(ctx, inv.ID, core.StatusPaid, "TX1"))
	_, err = store.PendingByTag(ctx, 42)
	require.True(t, errors.Is(err, core.ErrEntityNotFound))
}

func TestMemStoreCreateRejectsDuplicatePendingTag(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	first := newInvoice(42)
	require.NoError(t, store.Create(ctx, first))

	// two concurrent creates drawing the same tag must not both persist
	err := store.Create(ctx, newInvoice(42))
	require.True(t, errors.Is(err, core.ErrConflict))

	// a settled invoice frees its tag for reuse
	require.NoError(t, store.UpdateStatus(ctx, first.ID, core.StatusPaid, "TX1"))
	require.NoError(t, store.Create(ctx, newInvoice(42)))
}

func TestMemStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	inv := newInvoice(1)
	require.NoError(t, store.Create(ctx, inv))

	require.NoError(t, store.UpdateStatus(ctx, inv.ID, core.StatusPaid, "TXHASH"))
	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPaid, got.Status)
	require.Equal(t, "TXHASH", got.MatchedTransactionID)

	// terminal state rejects any further transition
	err = store.UpdateStatus(ctx, inv.ID, core.StatusExpired, "")
	require.True(t, errors.Is(err, core.ErrConflict))
	got, err = store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPaid, got.Status)
	require.Equal(t, "TXHASH", got.MatchedTransactionID)

	err = store.UpdateStatus(ctx, uuid.New(), core.StatusPaid, "TX2")
	require.True(t, errors.Is(err, core.ErrEntityNotFound))
}

func TestMemStoreTransactionClaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	inv := newInvoice(1)
	require.NoError(t, store.Create(ctx, inv))
	require.NoError(t, store.Create(ctx, newInvoice(2)))

	claimed, err := store.TransactionClaimed(ctx, "TXHASH")
	require.NoError(t, err)
	require.False(t, claimed)

	// the empty id is never considered claimed even though unpaid rows hold ""
	claimed, err = store.TransactionClaimed(ctx, "")
	require.NoError(t, err)
	require.False(t, claimed)

	require.NoError(t, store.UpdateStatus(ctx, inv.ID, core.StatusPaid, "TXHASH"))
	claimed, err = store.TransactionClaimed(ctx, "TXHASH")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestMemStoreListPendingAndCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	a := newInvoice(1)
	b := newInvoice(2)
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, store.UpdateStatus(ctx, b.ID, core.StatusExpired, ""))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, a.ID, pending[0].ID)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMemStoreCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), cursor)

	require.NoError(t, store.SetCursor(ctx, 777))
	cursor, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(777), cursor)
}

func TestMemStoreNotaryTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	inv := newInvoice(1)
	require.NoError(t, store.Create(ctx, inv))
	require.NoError(t, store.SetNotaryTransaction(ctx, inv.ID, "NOTARYTX"))

	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "NOTARYTX", got.NotaryTransactionID)
	// notary lifecycle is independent of payment status
	require.Equal(t, core.StatusPending, got.Status)

	err = store.SetNotaryTransaction(ctx, uuid.New(), "X")
	require.True(t, errors.Is(err, core.ErrEntityNotFound))
}
