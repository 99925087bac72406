package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists market records. Markets are never deleted.
type MarketStore interface {
	// Create assigns the next monotonic id and stores the record. Ids are
	// never reused.
	Create(ctx context.Context, m Market) (Market, error)
	Get(ctx context.Context, id uint64) (Market, error)
	Update(ctx context.Context, m Market) error
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// OrderStore persists order records keyed by content hash. Records are never
// removed; terminal orders keep their row with zeroed balances.
type OrderStore interface {
	// Create stores a new record. It returns ErrOrderExists when any record,
	// live or terminal, is already held under the hash.
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, hash common.Hash) (Order, error)
	Update(ctx context.Context, o Order) error
	ListByMarket(ctx context.Context, marketID uint64, opts ListOpts) ([]Order, error)

	// ListTerminalBefore returns terminal orders whose last update is
	// strictly before the cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)

	// SumLiveCollateral totals the currency held in custody across all live
	// orders. Used by emergency recovery to compute the unaccounted excess.
	SumLiveCollateral(ctx context.Context) (*big.Int, error)

	// Per-user append-only index of order hashes. Discovery only; not
	// authoritative for any financial invariant.
	AppendUserOrder(ctx context.Context, user common.Address, hash common.Hash) error
	UserOrderCount(ctx context.Context, user common.Address) (int64, error)
	UserOrderAt(ctx context.Context, user common.Address, index int64) (common.Hash, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// TokenLedger is a fungible balance book external to the venue: the native
// currency and each market's token each live in one. The venue treats any
// transfer failure as fatal to the enclosing operation.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// TokenLedgerResolver returns the ledger backing a given token address.
// Markets bind to different tokens; settlement resolves the right ledger at
// delivery time.
type TokenLedgerResolver interface {
	ForToken(token common.Address) (TokenLedger, error)
}
