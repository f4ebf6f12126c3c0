// Package idgen provides order-number and reference generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// OrderNumber generates a human-readable unique order number from a
// timestamp plus a random suffix, e.g. "ORD-20260830142501-A3F2C1".
func OrderNumber(now time.Time) string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102150405"), strings.ToUpper(hex.EncodeToString(b)))
}

// WithPrefix generates a random reference with a prefix (e.g. "txn_", "rcn_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
