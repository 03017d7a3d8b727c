package tagging

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/go-faster/errors"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/storage"
)

// tagSpace is the number of distinct destination tags the ledger supports.
const tagSpace = 1 << 32

// maxOccupancy caps how much of the tag space pending invoices may hold.
// Past this bound the collision loop degrades, so allocation is refused.
const maxOccupancy = tagSpace / 10

// Allocator hands out correlation tags unique among pending invoices.
type Allocator struct {
	store storage.InvoiceStore
	// randTag is swappable in tests; defaults to crypto/rand.
	randTag func() (uint32, error)
}

func NewAllocator(store storage.InvoiceStore) *Allocator {
	return &Allocator{store: store, randTag: cryptoRandTag}
}

func cryptoRandTag() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Allocate draws random tags until one is free among pending invoices. The
// collision check is mandatory for correctness even though collisions are
// negligible at realistic pending counts.
func (a *Allocator) Allocate(ctx context.Context) (uint32, error) {
	pending, err := a.store.PendingCount(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "count pending")
	}
	if pending >= maxOccupancy {
		return 0, core.ErrAllocationExhausted
	}
	for {
		tag, err := a.randTag()
		if err != nil {
			return 0, errors.Wrap(err, "random tag")
		}
		_, err = a.store.PendingByTag(ctx, tag)
		if errors.Is(err, core.ErrEntityNotFound) {
			return tag, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "check tag")
		}
		// held by a pending invoice, draw again
	}
}
