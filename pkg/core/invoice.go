package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
// Transitions are monotonic: a pending invoice moves to exactly one of
// paid, expired or mismatched and never leaves it.
type InvoiceStatus string

const (
	StatusPending    InvoiceStatus = "pending"
	StatusPaid       InvoiceStatus = "paid"
	StatusExpired    InvoiceStatus = "expired"
	StatusMismatched InvoiceStatus = "mismatched"
)

// Terminal reports whether no further transitions are allowed from s.
func (s InvoiceStatus) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusMismatched
}

// Invoice is the off-chain record the engine reconciles against on-chain payments.
type Invoice struct {
	ID uuid.UUID
	// CorrelationTag is the destination tag the payer must attach to the payment.
	// Unique among currently pending invoices, may be recycled afterwards.
	CorrelationTag uint32
	// ExpectedAmount is denominated in whole XRP.
	ExpectedAmount decimal.Decimal
	Status         InvoiceStatus
	IssuerName     string
	ClientName     string
	Description    string
	CreatedAt      time.Time
	DueAt          time.Time
	// MatchedTransactionID is set exactly once, on the transition into paid.
	MatchedTransactionID string
	// NotaryTransactionID is the hash of the on-chain metadata record.
	// Its lifecycle is independent of payment matching.
	NotaryTransactionID string
}

// Overdue reports whether the invoice's due date has passed at the given instant.
func (inv *Invoice) Overdue(now time.Time) bool {
	return now.After(inv.DueAt)
}
