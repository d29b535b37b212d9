// Package idgen provides cryptographically random, prefixed identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for the records this service creates.
const (
	PrefixSlice      = "slc_"
	PrefixPayment    = "pay_"
	PrefixReward     = "rwd_"
	PrefixEntry      = "ent_"
	PrefixWithdrawal = "wdr_"
	PrefixComment    = "cmt_"
	PrefixEvent      = "evt_"
	PrefixRequest    = "req_"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
