package xrpl

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DropsPerXRP is the ledger's fixed base-unit scale: amounts on the wire are
// integers of drops.
const DropsPerXRP = 1_000_000

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// ledger epoch (2000-01-01T00:00:00Z).
const rippleEpochOffset = 946684800

var errNotDrops = errors.New("amount is not a whole number of drops")

// DropsToXRP converts a drops amount to whole XRP without losing precision.
func DropsToXRP(drops int64) decimal.Decimal {
	return decimal.New(drops, -6)
}

// XRPToDrops converts a whole-XRP amount to drops. Amounts with sub-drop
// precision are rejected rather than rounded.
func XRPToDrops(amount decimal.Decimal) (int64, error) {
	drops := amount.Shift(6)
	if !drops.IsInteger() {
		return 0, errNotDrops
	}
	return drops.IntPart(), nil
}

// TimeFromRipple converts a ledger close time to wall-clock time.
func TimeFromRipple(secs int64) time.Time {
	return time.Unix(secs+rippleEpochOffset, 0).UTC()
}

// RippleTime converts wall-clock time to the ledger epoch.
func RippleTime(t time.Time) int64 {
	return t.Unix() - rippleEpochOffset
}
