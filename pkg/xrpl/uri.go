package xrpl

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentURI encodes destination, destination tag and amount so that a
// generic wallet can pre-fill the transfer from a QR code.
func PaymentURI(destination string, tag uint32, amount decimal.Decimal) string {
	return fmt.Sprintf("xrpl:%s?amount=%s&dt=%d", destination, amount.String(), tag)
}
