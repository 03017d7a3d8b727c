package xrpl

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
)

const (
	connectAttempts    = 5
	connectBaseDelay   = 500 * time.Millisecond
	connectMaxDelay    = 8 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Client talks to a single ledger node over its websocket interface.
// Calls are serialized: the node answers requests in order and the engine's
// poll loop is the only caller, so one in-flight request at a time is enough.
type Client struct {
	logger   *zap.Logger
	endpoint string

	// callTimeout bounds every request/reply exchange even when the
	// caller's context carries no deadline, so a silent node cannot
	// wedge ReadMessage forever.
	callTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

func NewClient(logger *zap.Logger, endpoint string) *Client {
	return &Client{
		logger:      logger,
		endpoint:    endpoint,
		callTimeout: defaultCallTimeout,
		nextID:      1,
	}
}

// Connect dials the node, retrying with exponential backoff. After the last
// attempt fails the error wraps core.ErrLedgerUnavailable so callers can tell
// transient unreachability apart from protocol errors.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	var conn *websocket.Conn
	err := retry.Do(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			c.logger.Warn("ledger dial failed", zap.String("endpoint", c.endpoint), zap.Error(err))
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectBaseDelay),
		retry.MaxDelay(connectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Wrapf(core.ErrLedgerUnavailable, "connect %s: %v", c.endpoint, err)
	}
	c.conn = conn
	return nil
}

// Disconnect closes the connection. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// call sends one request and reads frames until the reply with a matching id
// arrives, decoding its result into out. Unsolicited frames (stream messages
// the node may push) are skipped.
func (c *Client) call(ctx context.Context, req request, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.Wrap(core.ErrLedgerUnavailable, "not connected")
	}
	req.ID = c.nextID
	c.nextID++
	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(req); err != nil {
		c.resetLocked()
		return errors.Wrapf(core.ErrLedgerUnavailable, "write %s: %v", req.Command, err)
	}
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.resetLocked()
			return errors.Wrapf(core.ErrLedgerUnavailable, "read %s: %v", req.Command, err)
		}
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			return errors.Wrap(err, "decode response")
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Status != "success" {
			return errors.Errorf("%s failed: %s (%s)", req.Command, resp.ErrorCode, resp.ErrorMessage)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// resetLocked drops a broken connection so the next cycle reconnects.
// Caller must hold c.mu.
func (c *Client) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// AccountTransactions fetches one page of the account's transaction history
// in ledger order, starting at minLedger. Pass the previous page's marker to
// continue; a nil marker on the returned page means the history is exhausted.
// The call is a pure read and safe to repeat with the same arguments.
func (c *Client) AccountTransactions(ctx context.Context, account string, minLedger int64, marker json.RawMessage, limit int) (*AccountTxPage, error) {
	var page AccountTxPage
	err := c.call(ctx, request{
		Command:        "account_tx",
		Account:        account,
		LedgerIndexMin: minLedger,
		LedgerIndexMax: -1,
		Limit:          limit,
		Forward:        true,
		Marker:         marker,
	}, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Submit sends a signed transaction blob to the node. A rejection indicating
// the transaction was already applied is reported as success: resubmission is
// the normal outcome of retrying after an ambiguous failure.
func (c *Client) Submit(ctx context.Context, blob string) (*SubmitResult, error) {
	var result SubmitResult
	err := c.call(ctx, request{Command: "submit", TxBlob: blob}, &result)
	if err != nil {
		return nil, err
	}
	if result.EngineResult != core.TxSuccess && !alreadyApplied(result.EngineResult) {
		return &result, errors.Errorf("submit rejected: %s (%s)", result.EngineResult, result.EngineResultMessage)
	}
	return &result, nil
}

// alreadyApplied reports whether the engine result means the exact
// transaction is already in the ledger.
func alreadyApplied(engineResult string) bool {
	return engineResult == "tefALREADY" || strings.HasPrefix(engineResult, "tefPAST_SEQ")
}
