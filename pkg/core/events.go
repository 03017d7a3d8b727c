package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a reconciliation outcome published on the event feed.
type EventType string

const (
	EventPaymentConfirmed EventType = "PaymentConfirmed"
	EventPaymentMismatch  EventType = "PaymentMismatch"
	EventInvoiceExpired   EventType = "InvoiceExpired"
)

// ReconciliationEvent is the only externally observable side effect of a poll
// cycle besides the invoice status update itself.
type ReconciliationEvent struct {
	Type           EventType `json:"type"`
	InvoiceID      uuid.UUID `json:"invoice_id"`
	CorrelationTag uint32    `json:"correlation_tag"`
	// TransactionID is set for payment outcomes, empty for expiry.
	TransactionID  string          `json:"transaction_id,omitempty"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	// ReceivedAmount is set on PaymentConfirmed and PaymentMismatch so a
	// human can reconcile a mismatch without consulting the ledger.
	ReceivedAmount *decimal.Decimal `json:"received_amount,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}
