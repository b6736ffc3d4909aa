// Package docnum generates human-readable document numbers for sales and
// invoices. Numbers are collision-resistant, not collision-proof: the store
// enforces uniqueness and callers regenerate on conflict.
package docnum

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	PrefixSale    = "SAL"
	PrefixInvoice = "INV"
)

// New returns a number of the form PREFIX-YYYYMMDD-XXXXXX where the suffix is
// three random bytes, hex encoded.
func New(prefix string) string {
	date := time.Now().UTC().Format("20060102")
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%s-%06d", prefix, date, time.Now().UnixNano()%1000000)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, date, strings.ToUpper(hex.EncodeToString(buf)))
}
