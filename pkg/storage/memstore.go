package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/ursadefi/ursapay/pkg/core"
)

// MemStore keeps invoices in memory. It backs tests and the dev mode of the
// engine; production deployments use the sqlstore implementation.
type MemStore struct {
	invoices *xsync.MapOf[string, *core.Invoice]
	cursor   atomic.Uint32
	// createMu serializes creates: two pending invoices must never share a
	// correlation tag, the tag is the only key payments are matched on.
	createMu sync.Mutex
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		invoices: xsync.NewMapOf[*core.Invoice](),
	}
}

func (s *MemStore) Create(ctx context.Context, inv *core.Invoice) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()
	taken := false
	s.invoices.Range(func(_ string, existing *core.Invoice) bool {
		if existing.Status == core.StatusPending && existing.CorrelationTag == inv.CorrelationTag {
			taken = true
			return false
		}
		return true
	})
	if taken {
		return core.ErrConflict
	}
	clone := *inv
	s.invoices.Store(inv.ID.String(), &clone)
	return nil
}

func (s *MemStore) Get(ctx context.Context, id uuid.UUID) (*core.Invoice, error) {
	inv, ok := s.invoices.Load(id.String())
	if !ok {
		return nil, core.ErrEntityNotFound
	}
	clone := *inv
	return &clone, nil
}

func (s *MemStore) List(ctx context.Context) ([]*core.Invoice, error) {
	var res []*core.Invoice
	s.invoices.Range(func(_ string, inv *core.Invoice) bool {
		clone := *inv
		res = append(res, &clone)
		return true
	})
	return res, nil
}

func (s *MemStore) ListPending(ctx context.Context) ([]*core.Invoice, error) {
	var res []*core.Invoice
	s.invoices.Range(func(_ string, inv *core.Invoice) bool {
		if inv.Status == core.StatusPending {
			clone := *inv
			res = append(res, &clone)
		}
		return true
	})
	return res, nil
}

func (s *MemStore) PendingByTag(ctx context.Context, tag uint32) (*core.Invoice, error) {
	var found *core.Invoice
	s.invoices.Range(func(_ string, inv *core.Invoice) bool {
		if inv.Status == core.StatusPending && inv.CorrelationTag == tag {
			clone := *inv
			found = &clone
			return false
		}
		return true
	})
	if found == nil {
		return nil, core.ErrEntityNotFound
	}
	return found, nil
}

func (s *MemStore) PendingCount(ctx context.Context) (int, error) {
	count := 0
	s.invoices.Range(func(_ string, inv *core.Invoice) bool {
		if inv.Status == core.StatusPending {
			count++
		}
		return true
	})
	return count, nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, id uuid.UUID, status core.InvoiceStatus, matchedTxID string) error {
	conflict := core.ErrEntityNotFound
	s.invoices.Compute(id.String(), func(inv *core.Invoice, loaded bool) (*core.Invoice, bool) {
		if !loaded {
			return nil, true
		}
		if inv.Status != core.StatusPending {
			conflict = core.ErrConflict
			return inv, false
		}
		clone := *inv
		clone.Status = status
		clone.MatchedTransactionID = matchedTxID
		conflict = nil
		return &clone, false
	})
	return conflict
}

func (s *MemStore) TransactionClaimed(ctx context.Context, txID string) (bool, error) {
	if txID == "" {
		return false, nil
	}
	claimed := false
	s.invoices.Range(func(_ string, inv *core.Invoice) bool {
		if inv.MatchedTransactionID == txID {
			claimed = true
			return false
		}
		return true
	})
	return claimed, nil
}

func (s *MemStore) SetNotaryTransaction(ctx context.Context, id uuid.UUID, txID string) error {
	err := core.ErrEntityNotFound
	s.invoices.Compute(id.String(), func(inv *core.Invoice, loaded bool) (*core.Invoice, bool) {
		if !loaded {
			return nil, true
		}
		clone := *inv
		clone.NotaryTransactionID = txID
		err = nil
		return &clone, false
	})
	return err
}

func (s *MemStore) Cursor(ctx context.Context) (uint32, error) {
	return s.cursor.Load(), nil
}

func (s *MemStore) SetCursor(ctx context.Context, ledgerIndex uint32) error {
	s.cursor.Store(ledgerIndex)
	return nil
}
