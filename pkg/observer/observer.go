package observer

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/cache"
	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/storage"
	"github.com/ursadefi/ursapay/pkg/xrpl"
)

var (
	observedTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_transfers_total",
		Help: "Incoming transfers yielded to the matcher.",
	})
	duplicateTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_duplicates_total",
		Help: "Transfers skipped because their hash was already seen.",
	})
	historyPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "observer_history_pages_total",
		Help: "account_tx pages fetched.",
	})
)

// LedgerClient is the read side of the ledger adapter the observer uses.
type LedgerClient interface {
	AccountTransactions(ctx context.Context, account string, minLedger int64, marker json.RawMessage, limit int) (*xrpl.AccountTxPage, error)
}

// Batch is the product of one poll: newly observed transfers in ledger order
// and the cursor to persist once every transfer has been handled.
type Batch struct {
	Transfers []core.ObservedTransfer
	// NextCursor is the top of the validated range the poll covered.
	NextCursor uint32
}

// Observer polls the receiving account's transaction history and yields a
// restartable sequence of newly observed incoming transfers. Each window
// overlaps the previous one by a lookback margin; the seen-set absorbs the
// resulting duplicates.
type Observer struct {
	logger    *zap.Logger
	client    LedgerClient
	cursors   storage.CursorStore
	account   string
	pageLimit int
	lookback  uint32
	// seen holds hashes of transfers already handed to the matcher. Bounded:
	// only hashes inside the lookback window matter, older ones age out.
	seen cache.Cache[string, struct{}]
}

func New(logger *zap.Logger, client LedgerClient, cursors storage.CursorStore, account string, pageLimit int, lookback uint32, seenCapacity int) *Observer {
	return &Observer{
		logger:    logger,
		client:    client,
		cursors:   cursors,
		account:   account,
		pageLimit: pageLimit,
		lookback:  lookback,
		seen:      cache.NewLRUCache[string, struct{}](seenCapacity, "observer_seen"),
	}
}

// Poll reads the full window since the durable cursor minus the lookback
// margin. Any failure mid-window aborts the whole poll with the cursor
// untouched, so the next cycle re-observes everything this one would have.
func (o *Observer) Poll(ctx context.Context) (*Batch, error) {
	cursor, err := o.cursors.Cursor(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load cursor")
	}
	minLedger := int64(-1)
	if cursor > o.lookback {
		minLedger = int64(cursor - o.lookback)
	}

	batch := &Batch{NextCursor: cursor}
	var marker json.RawMessage
	for {
		page, err := o.client.AccountTransactions(ctx, o.account, minLedger, marker, o.pageLimit)
		if err != nil {
			return nil, err
		}
		historyPages.Inc()
		if page.LedgerIndexMax > batch.NextCursor {
			batch.NextCursor = page.LedgerIndexMax
		}
		for _, entry := range page.Transactions {
			transfer, ok := entry.IncomingTransfer(o.account)
			if !ok {
				continue
			}
			if dup := o.seen.Contains(transfer.TransactionID); dup {
				duplicateTransfers.Inc()
				continue
			}
			batch.Transfers = append(batch.Transfers, transfer)
		}
		if len(page.Marker) == 0 {
			break
		}
		marker = page.Marker
	}
	observedTransfers.Add(float64(len(batch.Transfers)))
	o.logger.Debug("poll window complete",
		zap.Uint32("cursor", cursor),
		zap.Uint32("next_cursor", batch.NextCursor),
		zap.Int("new_transfers", len(batch.Transfers)))
	return batch, nil
}

// MarkProcessed records a transfer in the seen-set. Called only after the
// matcher has fully handled it, so an interrupted cycle re-observes the
// transfer instead of losing it.
func (o *Observer) MarkProcessed(transactionID string) {
	o.seen.Set(transactionID, struct{}{})
}

// Commit persists the cursor. Called once per fully successful cycle.
func (o *Observer) Commit(ctx context.Context, cursor uint32) error {
	return o.cursors.SetCursor(ctx, cursor)
}
