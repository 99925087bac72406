package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Market is a configured trading venue for one pre-issuance token. Markets
// are created by the operator, mutated only by operator actions, and never
// deleted; a market remains queryable after its settlement window expires.
type Market struct {
	ID       uint64
	Metadata string

	// Token binding. TokenAmount is the quantity of the underlying token a
	// maker must deliver per order; Token is the asset identifier. Both are
	// zero until the operator sets them.
	Token       common.Address
	TokenAmount *big.Int

	// SettlementWindow is the duration of the delivery window; Deadline is
	// the absolute cutoff, computed when the operator arms the window.
	SettlementWindow time.Duration
	Deadline         time.Time

	// Fee schedule in basis points out of 10,000.
	PlatformFeeBps uint64
	DefaultFeeBps  uint64

	// DefaultToBuyer routes a defaulting maker's collateral to the taker
	// (minus the default fee) instead of the platform.
	DefaultToBuyer bool

	Active          bool
	HasTokenDetails bool
	HasDeadline     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MatchingOpen reports whether new takers may still match orders in this
// market. Matching closes the moment the settlement window is armed.
func (m Market) MatchingOpen() bool {
	return m.Active && !m.HasDeadline
}
