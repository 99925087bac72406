package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
)

// OrderStore implements domain.OrderStore in memory.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[common.Hash]domain.Order
	byUser map[common.Address][]common.Hash
	seq    []common.Hash // insertion order, for deterministic listings
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[common.Hash]domain.Order),
		byUser: make(map[common.Address][]common.Hash),
	}
}

// Create stores a new record, rejecting any hash already recorded.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.Hash]; ok {
		return domain.ErrOrderExists
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.Hash] = o
	s.seq = append(s.seq, o.Hash)
	return nil
}

// Get retrieves an order by hash.
func (s *OrderStore) Get(ctx context.Context, hash common.Hash) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[hash]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

// Update overwrites an existing record.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.Hash]; !ok {
		return domain.ErrOrderNotFound
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[o.Hash] = o
	return nil
}

// ListByMarket returns orders for a market in insertion order.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Order
	skipped := 0
	for _, h := range s.seq {
		o := s.orders[h]
		if o.MarketID != marketID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, o)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ListTerminalBefore returns terminal orders last updated before the cutoff.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Order
	for _, h := range s.seq {
		o := s.orders[h]
		if o.Status.Terminal() && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

// SumLiveCollateral totals custody across all live orders.
func (s *OrderStore) SumLiveCollateral(ctx context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, o := range s.orders {
		if o.Status.Live() {
			total.Add(total, o.Custody())
		}
	}
	return total, nil
}

// AppendUserOrder appends a hash to the user's discovery index.
func (s *OrderStore) AppendUserOrder(ctx context.Context, user common.Address, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[user] = append(s.byUser[user], hash)
	return nil
}

// UserOrderCount returns the length of the user's index.
func (s *OrderStore) UserOrderCount(ctx context.Context, user common.Address) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byUser[user])), nil
}

// UserOrderAt returns the hash at the given index of the user's sequence.
func (s *OrderStore) UserOrderAt(ctx context.Context, user common.Address, index int64) (common.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := s.byUser[user]
	if index < 0 || index >= int64(len(hashes)) {
		return common.Hash{}, domain.ErrOrderNotFound
	}
	return hashes[index], nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
