package xrpl

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/ursadefi/ursapay/pkg/core"
)

// request is one command sent over the node's websocket interface.
// Fields irrelevant to a given command are left at their zero value and
// omitted from the wire form.
type request struct {
	ID             uint64          `json:"id"`
	Command        string          `json:"command"`
	Account        string          `json:"account,omitempty"`
	LedgerIndexMin int64           `json:"ledger_index_min,omitempty"`
	LedgerIndexMax int64           `json:"ledger_index_max,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Forward        bool            `json:"forward,omitempty"`
	Marker         json.RawMessage `json:"marker,omitempty"`
	TxBlob         string          `json:"tx_blob,omitempty"`
}

// response is the envelope the node wraps every reply in.
type response struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	ErrorCode    string          `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// TxMeta is the validated metadata attached to a transaction.
type TxMeta struct {
	TransactionResult string `json:"TransactionResult"`
	// DeliveredAmount is the amount actually credited to the destination,
	// which can differ from tx.Amount for partial payments. Native-asset
	// amounts are strings of drops.
	DeliveredAmount json.RawMessage `json:"delivered_amount,omitempty"`
}

// TxJSON is the subset of transaction fields the engine reads.
type TxJSON struct {
	TransactionType string          `json:"TransactionType"`
	Account         string          `json:"Account"`
	Destination     string          `json:"Destination,omitempty"`
	DestinationTag  *uint32         `json:"DestinationTag,omitempty"`
	Amount          json.RawMessage `json:"Amount,omitempty"`
	Date            int64           `json:"date"`
	Hash            string          `json:"hash"`
	LedgerIndex     uint32          `json:"ledger_index"`
}

// AccountTx is one entry of an account_tx page.
type AccountTx struct {
	Meta      TxMeta `json:"meta"`
	Tx        TxJSON `json:"tx"`
	Validated bool   `json:"validated"`
}

// AccountTxPage is the result of one account_tx call. Marker is opaque: it is
// passed back verbatim to fetch the next page and is nil on the last one.
type AccountTxPage struct {
	Account        string          `json:"account"`
	LedgerIndexMin uint32          `json:"ledger_index_min"`
	LedgerIndexMax uint32          `json:"ledger_index_max"`
	Limit          int             `json:"limit"`
	Marker         json.RawMessage `json:"marker,omitempty"`
	Transactions   []AccountTx     `json:"transactions"`
}

// SubmitResult is the outcome of a submit call.
type SubmitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultCode    int    `json:"engine_result_code"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              TxJSON `json:"tx_json"`
}

// IncomingTransfer converts an account_tx entry into an observed transfer if
// it is a validated native-asset payment into the receiving account. The
// second return value is false for everything else: outgoing payments,
// non-payment transactions, unvalidated entries and issued-currency amounts.
func (e AccountTx) IncomingTransfer(receiver string) (core.ObservedTransfer, bool) {
	if !e.Validated || e.Tx.TransactionType != "Payment" || e.Tx.Destination != receiver {
		return core.ObservedTransfer{}, false
	}
	raw := e.Tx.Amount
	if len(e.Meta.DeliveredAmount) > 0 {
		raw = e.Meta.DeliveredAmount
	}
	drops, err := parseDropsJSON(raw)
	if err != nil {
		// issued-currency payment, not the native asset
		return core.ObservedTransfer{}, false
	}
	return core.ObservedTransfer{
		TransactionID:   e.Tx.Hash,
		Amount:          DropsToXRP(drops),
		Tag:             e.Tx.DestinationTag,
		LedgerIndex:     e.Tx.LedgerIndex,
		LedgerTimestamp: TimeFromRipple(e.Tx.Date),
		ResultCode:      e.Meta.TransactionResult,
	}, true
}

// parseDropsJSON decodes a native-asset amount, which the ledger encodes as a
// JSON string of drops.
func parseDropsJSON(raw json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, errNotDrops
	}
	return d.IntPart(), nil
}
