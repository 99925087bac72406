package fees

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShare(t *testing.T) {
	tests := []struct {
		name    string
		base    int64
		rateBps uint64
		want    int64
	}{
		{"ten percent", 1000, 1000, 100},
		{"full rate", 1000, 10_000, 1000},
		{"zero rate", 1000, 0, 0},
		{"zero base", 0, 1000, 0},
		{"truncates toward zero", 999, 1000, 99},
		{"truncates below one", 9, 1000, 0},
		{"one bps", 10_000, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Share(big.NewInt(tt.base), tt.rateBps)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestShareNilBase(t *testing.T) {
	assert.Equal(t, int64(0), Share(nil, 1000).Int64())
}

func TestShareDoesNotMutateBase(t *testing.T) {
	base := big.NewInt(1000)
	_ = Share(base, 1000)
	assert.Equal(t, int64(1000), base.Int64())
}

func TestRemainder(t *testing.T) {
	assert.Equal(t, int64(900), Remainder(big.NewInt(1000), 1000).Int64())
	assert.Equal(t, int64(900), Remainder(big.NewInt(999), 1000).Int64())
	assert.Equal(t, int64(0), Remainder(big.NewInt(1000), 10_000).Int64())
	assert.Equal(t, int64(0), Remainder(nil, 1000).Int64())
}

// Share and Remainder always recompose to the base exactly, so no unit is
// ever lost to rounding.
func TestShareRemainderConservation(t *testing.T) {
	bases := []int64{0, 1, 9, 99, 999, 10_000, 123_456_789}
	rates := []uint64{0, 1, 333, 1000, 9999, 10_000}
	for _, b := range bases {
		for _, r := range rates {
			base := big.NewInt(b)
			sum := new(big.Int).Add(Share(base, r), Remainder(base, r))
			assert.Equal(t, b, sum.Int64(), "base=%d rate=%d", b, r)
		}
	}
}

func TestDeadline(t *testing.T) {
	ref := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ref.Add(24*time.Hour), Deadline(ref, 24*time.Hour))
}

func TestDeadlineBoundaries(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	before := deadline.Add(-time.Second)
	after := deadline.Add(time.Second)

	// Fulfillment boundary is inclusive.
	assert.True(t, BeforeOrAt(before, deadline))
	assert.True(t, BeforeOrAt(deadline, deadline))
	assert.False(t, BeforeOrAt(after, deadline))

	// Default claims require strict lateness.
	assert.False(t, After(before, deadline))
	assert.False(t, After(deadline, deadline))
	assert.True(t, After(after, deadline))
}
