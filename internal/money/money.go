// Package money provides integer minor-unit arithmetic for payment amounts.
//
// All amounts are int64 minor units (cents for EUR/USD). Rates are basis
// points: 10000 bps == 100%. Products go through big.Int so that
// amount*rate never overflows.
package money

import (
	"fmt"
	"math/big"
	"strings"
)

// BasisPoints is the rate denominator: 10000 bps == 100%.
const BasisPoints = 10000

// ApplyRate returns amount*bps/10000 rounded half-up.
// Negative inputs are a programming error.
func ApplyRate(amount, bps int64) int64 {
	if amount < 0 || bps < 0 {
		panic(fmt.Sprintf("money: negative input to ApplyRate (amount=%d bps=%d)", amount, bps))
	}
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	n.Add(n, big.NewInt(BasisPoints/2))
	n.Quo(n, big.NewInt(BasisPoints))
	return n.Int64()
}

// ShareFloor returns floor(pool*weight/total). total must be positive.
func ShareFloor(pool, weight, total int64) int64 {
	if total <= 0 {
		panic("money: ShareFloor with non-positive total")
	}
	n := new(big.Int).Mul(big.NewInt(pool), big.NewInt(weight))
	n.Quo(n, big.NewInt(total))
	return n.Int64()
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "ISK":
		return 0
	default:
		return 2
	}
}

// Format renders a minor-unit amount as a decimal string with its
// currency code, e.g. Format(1234, "EUR") == "12.34 EUR".
func Format(amount int64, currency string) string {
	exp := Exponent(currency)
	neg := amount < 0
	abs := new(big.Int).Abs(big.NewInt(amount))
	s := abs.String()

	if exp > 0 {
		for len(s) < exp+1 {
			s = "0" + s
		}
		s = s[:len(s)-exp] + "." + s[len(s)-exp:]
	}
	if neg {
		s = "-" + s
	}
	return s + " " + strings.ToUpper(currency)
}
