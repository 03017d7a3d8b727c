package core

import "errors"

var ErrEntityNotFound = errors.New("entity not found")

// ErrLedgerUnavailable is returned when the ledger node cannot be reached
// after exhausting connection retries. Transient: the caller skips the cycle
// and tries again on the next tick.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// ErrAllocationExhausted is returned when the pending set occupies too much of
// the tag space to allocate safely. Fatal to invoice creation.
var ErrAllocationExhausted = errors.New("correlation tag space exhausted")

// ErrNotarizationFailed is returned when signing or submitting the metadata
// transaction fails. Never fatal: the invoice stays valid and payable.
var ErrNotarizationFailed = errors.New("notarization failed")

// ErrConflict is the optimistic-concurrency failure on a status update: the
// invoice was no longer pending when the update was applied. The matching
// decision is re-derived on the next cycle.
var ErrConflict = errors.New("invoice status conflict")
