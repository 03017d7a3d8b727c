package notary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/xrpl"
)

// BlackholeAddress is a well-known unspendable account. Sending the minimal
// 1-drop payment there keeps the annotation immutable without burning more
// than dust.
const BlackholeAddress = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"

var notarizations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notary_submissions_total",
		Help: "Notary transaction submissions by result.",
	},
	[]string{"result"},
)

// Submitter is the write side of the ledger adapter the notary uses.
type Submitter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Submit(ctx context.Context, blob string) (*xrpl.SubmitResult, error)
}

// Memo is one structured on-chain annotation. All three fields are
// hex-encoded uppercase on the wire.
type Memo struct {
	MemoType   string `json:"MemoType"`
	MemoFormat string `json:"MemoFormat"`
	MemoData   string `json:"MemoData"`
}

type memoWrapper struct {
	Memo Memo `json:"Memo"`
}

// notaryTx is the self-transaction carrying the invoice annotations.
type notaryTx struct {
	TransactionType string        `json:"TransactionType"`
	Account         string        `json:"Account"`
	Destination     string        `json:"Destination"`
	Amount          string        `json:"Amount"`
	Memos           []memoWrapper `json:"Memos"`
}

// Notary publishes invoice metadata on the ledger as a tamper-evident record.
// Best effort and explicitly decoupled from payment matching: a payment is
// confirmed whether or not notarization succeeded.
type Notary struct {
	logger      *zap.Logger
	client      Submitter
	wallet      *xrpl.Wallet
	destination string
	now         func() time.Time
}

func New(logger *zap.Logger, client Submitter, wallet *xrpl.Wallet, destination string) *Notary {
	if destination == "" {
		destination = BlackholeAddress
	}
	return &Notary{
		logger:      logger,
		client:      client,
		wallet:      wallet,
		destination: destination,
		now:         time.Now,
	}
}

// Notarize signs and submits the metadata transaction for an invoice and
// returns its hash. Failures wrap core.ErrNotarizationFailed; the caller
// decides whether to retry, the invoice stays valid and payable either way.
func (n *Notary) Notarize(ctx context.Context, inv *core.Invoice) (string, error) {
	tx := notaryTx{
		TransactionType: "Payment",
		Account:         n.wallet.Address,
		Destination:     n.destination,
		Amount:          "1",
		Memos:           invoiceMemos(inv, n.now()),
	}
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return "", errors.Wrapf(core.ErrNotarizationFailed, "marshal: %v", err)
	}
	signed, err := n.wallet.Sign(txJSON)
	if err != nil {
		notarizations.WithLabelValues("sign_failed").Inc()
		return "", errors.Wrapf(core.ErrNotarizationFailed, "sign: %v", err)
	}
	if err := n.client.Connect(ctx); err != nil {
		notarizations.WithLabelValues("unreachable").Inc()
		return "", errors.Wrapf(core.ErrNotarizationFailed, "connect: %v", err)
	}
	defer n.client.Disconnect()
	if _, err := n.client.Submit(ctx, signed.Blob); err != nil {
		notarizations.WithLabelValues("rejected").Inc()
		return "", errors.Wrapf(core.ErrNotarizationFailed, "submit: %v", err)
	}
	notarizations.WithLabelValues("ok").Inc()
	n.logger.Info("invoice notarized",
		zap.String("invoice", inv.ID.String()),
		zap.String("tx", signed.Hash))
	return signed.Hash, nil
}

// invoiceMemos encodes the fixed annotation set binding the invoice's
// descriptive fields to the transaction.
func invoiceMemos(inv *core.Invoice, now time.Time) []memoWrapper {
	fields := []struct {
		key, value string
	}{
		{"Invoice_ID", inv.ID.String()},
		{"Issuer_Name", inv.IssuerName},
		{"Client_Name", inv.ClientName},
		{"Description", inv.Description},
		{"Amount_XRP", inv.ExpectedAmount.String()},
		{"Timestamp", now.UTC().Format(time.RFC3339)},
	}
	memos := make([]memoWrapper, 0, len(fields))
	for _, f := range fields {
		memos = append(memos, memoWrapper{Memo: Memo{
			MemoType:   hexUpper(f.key),
			MemoFormat: hexUpper("text/plain"),
			MemoData:   hexUpper(f.value),
		}})
	}
	return memos
}

func hexUpper(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}
