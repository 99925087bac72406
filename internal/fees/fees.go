// Package fees is the single place where fee splits and deadline arithmetic
// are computed. No other component duplicates these formulas.
package fees

import (
	"math/big"
	"time"
)

const (
	// Denominator is the basis-point scale: 10,000 bps = 100%.
	Denominator = 10_000

	// MaxDefaultFeeBps caps a market's default fee rate at 10%.
	MaxDefaultFeeBps = 1_000

	// MaxPlatformFeeBps caps a market's platform fee rate at 100%.
	MaxPlatformFeeBps = 10_000
)

var denominator = big.NewInt(Denominator)

// Share returns base * rateBps / 10000 with integer truncation toward zero.
// base must be non-negative; a nil base is treated as zero.
func Share(base *big.Int, rateBps uint64) *big.Int {
	if base == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(base, new(big.Int).SetUint64(rateBps))
	return out.Quo(out, denominator)
}

// Remainder returns base minus the fee share for rateBps, i.e. what is left
// for the counterparty after the platform's cut.
func Remainder(base *big.Int, rateBps uint64) *big.Int {
	if base == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(base, Share(base, rateBps))
}

// Deadline returns reference + window.
func Deadline(reference time.Time, window time.Duration) time.Time {
	return reference.Add(window)
}

// BeforeOrAt reports whether now is at or before the deadline. The boundary
// is inclusive: fulfillment at exactly the deadline timestamp succeeds.
func BeforeOrAt(now, deadline time.Time) bool {
	return !now.After(deadline)
}

// After reports whether now is strictly past the deadline. Default claims
// require strict lateness.
func After(now, deadline time.Time) bool {
	return now.After(deadline)
}
