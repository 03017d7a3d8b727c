package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxSuccess is the ledger engine result of a successfully applied transaction.
// Only transfers carrying this code are eligible for matching.
const TxSuccess = "tesSUCCESS"

// ObservedTransfer is one validated incoming payment seen on the monitored
// account. It is ephemeral: the observer keeps only its hash in the seen-set.
type ObservedTransfer struct {
	// TransactionID is the ledger-wide unique transaction hash.
	TransactionID string
	// Amount is the value received by the monitored account, in whole XRP.
	Amount decimal.Decimal
	// Tag is the destination tag, if the payer attached one.
	Tag *uint32
	// LedgerIndex is the index of the ledger that validated the transfer.
	LedgerIndex uint32
	// LedgerTimestamp is the ledger's own close time for the transfer.
	LedgerTimestamp time.Time
	// ResultCode is the ledger-reported engine result, e.g. tesSUCCESS.
	ResultCode string
}

// Eligible reports whether the transfer can participate in matching at all:
// it must have been applied successfully and carry a destination tag.
func (t ObservedTransfer) Eligible() bool {
	return t.ResultCode == TxSuccess && t.Tag != nil
}
