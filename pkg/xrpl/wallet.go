package xrpl

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
)

// txSigningPrefix is prepended to the serialized transaction before hashing,
// so a transaction hash can never collide with other hashed artifacts.
var txSigningPrefix = []byte("TXN\x00")

// Wallet holds the signing key of the account the engine administers. It is
// only used for notary transactions; the engine never moves invoice funds.
type Wallet struct {
	Address string
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
}

// WalletFromSeed derives an ed25519 keypair from a 32-byte hex seed.
func WalletFromSeed(address, seedHex string) (*Wallet, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Wallet{
		Address: address,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
	}, nil
}

// SignedTransaction is a submit-ready transaction blob and its hash. The hash
// identifies the transaction on the ledger whether or not this process
// observes the submission outcome.
type SignedTransaction struct {
	Blob string
	Hash string
}

// signedEnvelope is the wire form of a signed transaction.
type signedEnvelope struct {
	Tx            json.RawMessage `json:"tx"`
	SigningPubKey string          `json:"SigningPubKey"`
	TxnSignature  string          `json:"TxnSignature"`
}

// Sign serializes and signs a transaction given as its canonical JSON form.
func (w *Wallet) Sign(txJSON []byte) (SignedTransaction, error) {
	sig := ed25519.Sign(w.priv, txJSON)
	envelope, err := json.Marshal(signedEnvelope{
		Tx:            txJSON,
		SigningPubKey: strings.ToUpper(hex.EncodeToString(w.pub)),
		TxnSignature:  strings.ToUpper(hex.EncodeToString(sig)),
	})
	if err != nil {
		return SignedTransaction{}, errors.Wrap(err, "marshal envelope")
	}
	h := sha512.Sum512(append(txSigningPrefix, envelope...))
	return SignedTransaction{
		Blob: strings.ToUpper(hex.EncodeToString(envelope)),
		// the ledger identifies transactions by the first half of SHA-512
		Hash: strings.ToUpper(hex.EncodeToString(h[:32])),
	}, nil
}
