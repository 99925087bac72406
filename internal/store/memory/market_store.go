// Package memory implements the domain store interfaces with in-process
// maps. It backs the dev mode and the test suite; nothing is ever deleted,
// matching the permanent-audit-trail behavior of the Postgres stores.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/otclabs/premarket/internal/domain"
)

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct {
	mu      sync.RWMutex
	nextID  uint64
	markets map[uint64]domain.Market
}

// NewMarketStore creates an empty MarketStore. The first market gets id 1.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		nextID:  1,
		markets: make(map[uint64]domain.Market),
	}
}

// Create assigns the next monotonic id and stores the record.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.markets[m.ID] = m
	return m, nil
}

// Get retrieves a market by id.
func (s *MarketStore) Get(ctx context.Context, id uint64) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrMarketNotFound
	}
	return m, nil
}

// Update overwrites an existing record.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrMarketNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	s.markets[m.ID] = m
	return nil
}

// List returns markets ordered by id with pagination.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Market
	skipped := 0
	for id := uint64(1); id < s.nextID; id++ {
		m, ok := s.markets[id]
		if !ok {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, m)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.markets)), nil
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
