package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/premarket/internal/domain"
)

var (
	maker = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	taker = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func TestMarketStoreCreateAssignsMonotonicIDs(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()

	m1, err := s.Create(ctx, domain.Market{Metadata: "one"})
	require.NoError(t, err)
	m2, err := s.Create(ctx, domain.Market{Metadata: "two"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m1.ID)
	assert.Equal(t, uint64(2), m2.ID)
	assert.False(t, m1.CreatedAt.IsZero())
}

func TestMarketStoreGetNotFound(t *testing.T) {
	s := NewMarketStore()

	_, err := s.Get(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

func TestMarketStoreUpdate(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()

	m, err := s.Create(ctx, domain.Market{Active: true})
	require.NoError(t, err)

	m.Active = false
	require.NoError(t, s.Update(ctx, m))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, s.Update(ctx, domain.Market{ID: 99}), domain.ErrMarketNotFound)
}

func TestMarketStoreListPagination(t *testing.T) {
	s := NewMarketStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, domain.Market{})
		require.NoError(t, err)
	}

	page, err := s.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(2), page[0].ID)
	assert.Equal(t, uint64(3), page[1].ID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestOrderStoreCreateRejectsDuplicateHash(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	o := domain.Order{Hash: hashOf(1), Maker: maker, Status: domain.OrderStatusActive}
	require.NoError(t, s.Create(ctx, o))

	// The hash stays taken even after the order reaches a terminal state.
	o.Status = domain.OrderStatusCancelled
	require.NoError(t, s.Update(ctx, o))
	assert.ErrorIs(t, s.Create(ctx, o), domain.ErrOrderExists)
}

func TestOrderStoreListByMarket(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.Order{Hash: hashOf(1), MarketID: 1}))
	require.NoError(t, s.Create(ctx, domain.Order{Hash: hashOf(2), MarketID: 2}))
	require.NoError(t, s.Create(ctx, domain.Order{Hash: hashOf(3), MarketID: 1}))

	got, err := s.ListByMarket(ctx, 1, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, hashOf(1), got[0].Hash)
	assert.Equal(t, hashOf(3), got[1].Hash)
}

func TestOrderStoreListTerminalBefore(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	live := domain.Order{Hash: hashOf(1), Status: domain.OrderStatusActive}
	done := domain.Order{Hash: hashOf(2), Status: domain.OrderStatusActive}
	require.NoError(t, s.Create(ctx, live))
	require.NoError(t, s.Create(ctx, done))

	done.Status = domain.OrderStatusFulfilled
	require.NoError(t, s.Update(ctx, done))

	got, err := s.ListTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hashOf(2), got[0].Hash)

	got, err = s.ListTerminalBefore(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOrderStoreSumLiveCollateral(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.Order{
		Hash:            hashOf(1),
		Status:          domain.OrderStatusActive,
		MakerCollateral: big.NewInt(100),
		TakerCollateral: big.NewInt(0),
	}))
	require.NoError(t, s.Create(ctx, domain.Order{
		Hash:            hashOf(2),
		Status:          domain.OrderStatusMatched,
		MakerCollateral: big.NewInt(50),
		TakerCollateral: big.NewInt(50),
	}))
	require.NoError(t, s.Create(ctx, domain.Order{
		Hash:            hashOf(3),
		Status:          domain.OrderStatusCancelled,
		MakerCollateral: big.NewInt(0),
		TakerCollateral: big.NewInt(0),
	}))

	total, err := s.SumLiveCollateral(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), total.Int64())
}

func TestOrderStoreUserIndexIsAppendOnly(t *testing.T) {
	s := NewOrderStore()
	ctx := context.Background()

	require.NoError(t, s.AppendUserOrder(ctx, maker, hashOf(1)))
	require.NoError(t, s.AppendUserOrder(ctx, maker, hashOf(2)))
	require.NoError(t, s.AppendUserOrder(ctx, taker, hashOf(2)))

	count, err := s.UserOrderCount(ctx, maker)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	h, err := s.UserOrderAt(ctx, maker, 1)
	require.NoError(t, err)
	assert.Equal(t, hashOf(2), h)

	_, err = s.UserOrderAt(ctx, maker, 2)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = s.UserOrderAt(ctx, maker, -1)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAuditStoreListNewestFirst(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "first", nil))
	require.NoError(t, s.Log(ctx, "second", map[string]any{"k": "v"}))

	got, err := s.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].Event)
	assert.Equal(t, "first", got[1].Event)
}

func TestLockManagerMutualExclusion(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "order:1", time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "order:1", time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	// A different key is independent.
	unlock2, err := lm.Acquire(ctx, "order:2", time.Second)
	require.NoError(t, err)
	unlock2()

	unlock()
	unlock() // idempotent

	unlock3, err := lm.Acquire(ctx, "order:1", time.Second)
	require.NoError(t, err)
	unlock3()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := rl.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys are unaffected.
	ok, err = rl.Allow(ctx, "other", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
