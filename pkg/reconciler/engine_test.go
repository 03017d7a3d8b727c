package reconciler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/events"
	"github.com/ursadefi/ursapay/pkg/observer"
	"github.com/ursadefi/ursapay/pkg/storage"
	"github.com/ursadefi/ursapay/pkg/xrpl"
)

const account = "rNb4AKqA6QwhD8Nfff7rVxg5RPmyTE1vVn"

// fakeLedger implements both the connection lifecycle and the query side of
// the adapter so one fake can drive a whole cycle.
type fakeLedger struct {
	entries      []xrpl.AccountTx
	maxLedger    uint32
	failQueries  bool
	connectErr   error
	connected    bool
	connects     int
	disconnects  int
	sawDeadlines bool
}

func (f *fakeLedger) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeLedger) Disconnect() error {
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeLedger) AccountTransactions(ctx context.Context, acc string, minLedger int64, marker json.RawMessage, limit int) (*xrpl.AccountTxPage, error) {
	if f.failQueries {
		return nil, errors.Wrap(core.ErrLedgerUnavailable, "query")
	}
	_, f.sawDeadlines = ctx.Deadline()
	return &xrpl.AccountTxPage{
		Account:        acc,
		LedgerIndexMax: f.maxLedger,
		Transactions:   f.entries,
	}, nil
}

func paymentEntry(hash string, ledgerIndex uint32, tag uint32, drops string) xrpl.AccountTx {
	tagCopy := tag
	return xrpl.AccountTx{
		Meta: xrpl.TxMeta{TransactionResult: "tesSUCCESS"},
		Tx: xrpl.TxJSON{
			TransactionType: "Payment",
			Account:         "rPayer",
			Destination:     account,
			DestinationTag:  &tagCopy,
			Amount:          json.RawMessage(`"` + drops + `"`),
			Hash:            hash,
			LedgerIndex:     ledgerIndex,
		},
		Validated: true,
	}
}

func newTestEngine(t *testing.T, ledger *fakeLedger, store storage.Store) (*Engine, chan core.ReconciliationEvent) {
	t.Helper()
	events := make(chan core.ReconciliationEvent, 16)
	obs := observer.New(zap.NewNop(), ledger, store, account, 50, 10, 128)
	matcher := NewMatcher(zap.NewNop(), store, decimal.Zero, events)
	return NewEngine(zap.NewNop(), ledger, obs, matcher, time.Minute), events
}

func TestCycleMatchesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	inv := pendingInvoice(42, "1", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, inv))

	ledger := &fakeLedger{
		entries:   []xrpl.AccountTx{paymentEntry("TX1", 100, 42, "1000000")},
		maxLedger: 120,
	}
	engine, events := newTestEngine(t, ledger, store)

	engine.RunCycle(ctx)

	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPaid, got.Status)
	require.Equal(t, "TX1", got.MatchedTransactionID)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(120), cursor)

	// the connection is scoped to the cycle and every ledger call runs
	// under the cycle's deadline
	require.Equal(t, 1, ledger.connects)
	require.Equal(t, 1, ledger.disconnects)
	require.False(t, ledger.connected)
	require.True(t, ledger.sawDeadlines)
	require.Len(t, drainEvents(events), 1)
}

func TestCycleSkippedWhenLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.SetCursor(ctx, 300))
	inv := pendingInvoice(42, "1", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, inv))

	ledger := &fakeLedger{connectErr: errors.Wrap(core.ErrLedgerUnavailable, "dial")}
	engine, _ := newTestEngine(t, ledger, store)

	engine.RunCycle(ctx)

	// no transitions attempted against an unreachable data source
	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(300), cursor)
	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPending, got.Status)
}

func TestCycleQueryFailureLeavesCursor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.SetCursor(ctx, 300))

	ledger := &fakeLedger{failQueries: true}
	engine, _ := newTestEngine(t, ledger, store)
	engine.RunCycle(ctx)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(300), cursor)
	require.Equal(t, 1, ledger.disconnects)

	// recovery: the next cycle observes everything and advances
	ledger.failQueries = false
	ledger.maxLedger = 320
	engine.RunCycle(ctx)
	cursor, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(320), cursor)
}

func TestCycleExpiresBeforeMatching(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	inv := pendingInvoice(42, "1", time.Now().Add(-time.Hour))
	require.NoError(t, store.Create(ctx, inv))

	ledger := &fakeLedger{maxLedger: 100}
	engine, events := newTestEngine(t, ledger, store)
	engine.RunCycle(ctx)

	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusExpired, got.Status)

	emitted := drainEvents(events)
	require.Len(t, emitted, 1)
	require.Equal(t, core.EventInvoiceExpired, emitted[0].Type)
}

func TestRepeatedCyclesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	inv := pendingInvoice(42, "1", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, inv))

	ledger := &fakeLedger{
		entries:   []xrpl.AccountTx{paymentEntry("TX1", 100, 42, "1000000")},
		maxLedger: 120,
	}
	engine, events := newTestEngine(t, ledger, store)

	for i := 0; i < 3; i++ {
		engine.RunCycle(ctx)
	}
	got, err := store.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusPaid, got.Status)
	require.Equal(t, "TX1", got.MatchedTransactionID)
	require.Len(t, drainEvents(events), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := storage.NewMemStore()
	ledger := &fakeLedger{maxLedger: 100}
	engine, _ := newTestEngine(t, ledger, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	require.False(t, ledger.connected)
}

// The dispatcher outlives the poll loop: events emitted by the final cycle
// must still be delivered, and emitting them must never block Run from
// returning.
func TestRunDeliversFinalCycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemStore()
	inv := pendingInvoice(42, "1", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, inv))
	ledger := &fakeLedger{
		entries:   []xrpl.AccountTx{paymentEntry("TX1", 110, 42, "1000000")},
		maxLedger: 120,
	}

	disp := events.NewDispatcher(zap.NewNop())
	eventCh := disp.Run()
	delivered := make(chan []byte, 1)
	disp.RegisterSubscriber(func(eventData []byte) { delivered <- eventData }, events.SubscribeOptions{})

	obs := observer.New(zap.NewNop(), ledger, store, account, 50, 10, 128)
	matcher := NewMatcher(zap.NewNop(), store, decimal.Zero, eventCh)
	engine := NewEngine(zap.NewNop(), ledger, obs, matcher, time.Minute)

	// shutdown is already requested when the first cycle runs
	cancel()
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(eventCh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	select {
	case eventData := <-delivered:
		var event core.ReconciliationEvent
		require.NoError(t, json.Unmarshal(eventData, &event))
		require.Equal(t, core.EventPaymentConfirmed, event.Type)
		require.Equal(t, inv.ID, event.InvoiceID)
	case <-time.After(time.Second):
		t.Fatal("final cycle event never delivered")
	}
}
