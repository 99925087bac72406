package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/premarket/internal/bank"
	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/store/memory"
)

var (
	operator = common.HexToAddress("0x0000000000000000000000000000000000000001")
	custody  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	platform = common.HexToAddress("0x0000000000000000000000000000000000000003")
	seller   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	token    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture wires the services against in-memory backends with a pinned clock.
type fixture struct {
	ctx      context.Context
	registry *bank.Registry
	currency *bank.Bank
	audit    *memory.AuditStore
	markets  *MarketService
	orders   *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := bank.NewRegistry()
	currency := registry.Bank(common.Address{})

	marketStore := memory.NewMarketStore()
	orderStore := memory.NewOrderStore()
	audit := memory.NewAuditStore()
	locks := memory.NewLockManager()
	sink := NewEventSink(nil, audit, nil, logger)

	markets := NewMarketService(operator, custody, marketStore, orderStore, nil, locks, currency, registry, sink, logger)
	orders := NewOrderService(custody, platform, marketStore, orderStore, nil, locks, nil, currency, registry, sink, logger)

	f := &fixture{
		ctx:      context.Background(),
		registry: registry,
		currency: currency,
		audit:    audit,
		markets:  markets,
		orders:   orders,
	}
	f.setNow(baseTime)
	return f
}

// setNow pins both service clocks to the given instant.
func (f *fixture) setNow(at time.Time) {
	f.markets.now = func() time.Time { return at }
	f.orders.now = func() time.Time { return at }
}

func (f *fixture) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := f.currency.BalanceOf(f.ctx, addr)
	require.NoError(t, err)
	return bal.Int64()
}

func (f *fixture) tokenBalance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := f.registry.Bank(token).BalanceOf(f.ctx, addr)
	require.NoError(t, err)
	return bal.Int64()
}

// createMarket creates a 24h market with 10% platform and default fees.
func (f *fixture) createMarket(t *testing.T, defaultToBuyer bool) domain.Market {
	t.Helper()
	m, err := f.markets.CreateMarket(f.ctx, operator, CreateMarketParams{
		SettlementWindow: 24 * time.Hour,
		PlatformFeeBps:   1000,
		DefaultFeeBps:    1000,
		Metadata:         "TEST token pre-market",
		DefaultToBuyer:   defaultToBuyer,
	})
	require.NoError(t, err)
	return m
}

// createOrder funds the maker and places an order at the given price.
func (f *fixture) createOrder(t *testing.T, marketID uint64, price int64) domain.Order {
	t.Helper()
	f.currency.Mint(seller, big.NewInt(price))
	o, err := f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker:    seller,
		MarketID: marketID,
		Price:    big.NewInt(price),
		Salt:     big.NewInt(1),
		Payment:  big.NewInt(price),
	})
	require.NoError(t, err)
	return o
}

// matchOrder funds the taker and matches at the order's price.
func (f *fixture) matchOrder(t *testing.T, o domain.Order) domain.Order {
	t.Helper()
	f.currency.Mint(buyer, new(big.Int).Set(o.Price))
	matched, err := f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker:     buyer,
		OrderHash: o.Hash,
		Payment:   new(big.Int).Set(o.Price),
	})
	require.NoError(t, err)
	return matched
}

// armDeadline binds the token details and starts the settlement window.
func (f *fixture) armDeadline(t *testing.T, marketID uint64, tokenAmount int64) {
	t.Helper()
	require.NoError(t, f.markets.SetTokenDetails(f.ctx, operator, marketID, token, big.NewInt(tokenAmount)))
	require.NoError(t, f.markets.SetDeadline(f.ctx, operator, marketID))
}

func TestCreateMarketValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.markets.CreateMarket(f.ctx, seller, CreateMarketParams{SettlementWindow: time.Hour})
	assert.ErrorIs(t, err, domain.ErrNotOperator)

	_, err = f.markets.CreateMarket(f.ctx, operator, CreateMarketParams{SettlementWindow: 0})
	assert.ErrorIs(t, err, domain.ErrZeroWindow)

	_, err = f.markets.CreateMarket(f.ctx, operator, CreateMarketParams{
		SettlementWindow: time.Hour,
		PlatformFeeBps:   10_001,
	})
	assert.ErrorIs(t, err, domain.ErrFeeRateTooHigh)

	_, err = f.markets.CreateMarket(f.ctx, operator, CreateMarketParams{
		SettlementWindow: time.Hour,
		DefaultFeeBps:    1001,
	})
	assert.ErrorIs(t, err, domain.ErrFeeRateTooHigh)
}

func TestCreateMarketStartsActiveAndUnbound(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	assert.Equal(t, uint64(1), m.ID)
	assert.True(t, m.Active)
	assert.False(t, m.HasTokenDetails)
	assert.False(t, m.HasDeadline)
}

func TestSetTokenDetailsOnce(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	require.NoError(t, f.markets.SetTokenDetails(f.ctx, operator, m.ID, token, big.NewInt(100)))

	err := f.markets.SetTokenDetails(f.ctx, operator, m.ID, token, big.NewInt(200))
	assert.ErrorIs(t, err, domain.ErrTokenDetailsSet)

	// The override path rebinds.
	require.NoError(t, f.markets.OverrideTokenDetails(f.ctx, operator, m.ID, token, big.NewInt(200)))
	got, err := f.markets.GetMarket(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TokenAmount.Int64())
}

func TestSetTokenDetailsRejectsZeroValues(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	err := f.markets.SetTokenDetails(f.ctx, operator, m.ID, common.Address{}, big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrBadTokenDetails)

	err = f.markets.SetTokenDetails(f.ctx, operator, m.ID, token, big.NewInt(0))
	assert.ErrorIs(t, err, domain.ErrBadTokenDetails)
}

func TestSetDeadlineRequiresTokenDetails(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	err := f.markets.SetDeadline(f.ctx, operator, m.ID)
	assert.ErrorIs(t, err, domain.ErrTokenDetailsMissing)

	f.armDeadline(t, m.ID, 100)
	got, err := f.markets.GetMarket(f.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.HasDeadline)
	assert.Equal(t, baseTime.Add(24*time.Hour), got.Deadline)
}

func TestStopAndStartMarket(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	assert.ErrorIs(t, f.markets.StartMarket(f.ctx, operator, m.ID), domain.ErrMarketAlreadyActive)
	require.NoError(t, f.markets.StopMarket(f.ctx, operator, m.ID))
	assert.ErrorIs(t, f.markets.StopMarket(f.ctx, operator, m.ID), domain.ErrMarketAlreadyStopped)
	require.NoError(t, f.markets.StartMarket(f.ctx, operator, m.ID))
}

func TestCreateOrderCollateralEscrow(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	assert.Equal(t, domain.OrderStatusActive, o.Status)
	assert.Equal(t, int64(10), o.MakerCollateral.Int64())
	assert.Equal(t, int64(0), f.balance(t, seller))
	assert.Equal(t, int64(10), f.balance(t, custody))
}

func TestCreateOrderWrongPayment(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	f.currency.Mint(seller, big.NewInt(100))

	_, err := f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker: seller, MarketID: m.ID,
		Price: big.NewInt(10), Salt: big.NewInt(1), Payment: big.NewInt(9),
	})
	assert.ErrorIs(t, err, domain.ErrWrongPayment)

	_, err = f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker: seller, MarketID: m.ID,
		Price: big.NewInt(0), Salt: big.NewInt(1), Payment: big.NewInt(0),
	})
	assert.ErrorIs(t, err, domain.ErrWrongPayment)
}

func TestCreateOrderDuplicateHash(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	f.createOrder(t, m.ID, 10)

	f.currency.Mint(seller, big.NewInt(10))
	_, err := f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker: seller, MarketID: m.ID,
		Price: big.NewInt(10), Salt: big.NewInt(1), Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrOrderExists)

	// The deposit was not kept.
	assert.Equal(t, int64(10), f.balance(t, seller))
}

func TestCreateOrderInactiveMarket(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	require.NoError(t, f.markets.StopMarket(f.ctx, operator, m.ID))

	f.currency.Mint(seller, big.NewInt(10))
	_, err := f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker: seller, MarketID: m.ID,
		Price: big.NewInt(10), Salt: big.NewInt(1), Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrMarketInactive)
}

func TestCreateOrderInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	_, err := f.orders.CreateOrder(f.ctx, CreateOrderParams{
		Maker: seller, MarketID: m.ID,
		Price: big.NewInt(10), Salt: big.NewInt(1), Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
}

func TestMatchOrder(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	matched := f.matchOrder(t, o)
	assert.Equal(t, domain.OrderStatusMatched, matched.Status)
	assert.Equal(t, buyer, matched.Taker)
	assert.Equal(t, int64(10), matched.TakerCollateral.Int64())
	assert.Equal(t, int64(20), f.balance(t, custody))

	// A matched order cannot be matched again.
	f.currency.Mint(buyer, big.NewInt(10))
	_, err := f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker: buyer, OrderHash: o.Hash, Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotActive)
}

func TestMatchOrderSelfTrade(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	f.currency.Mint(seller, big.NewInt(10))
	_, err := f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker: seller, OrderHash: o.Hash, Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrSelfTrade)
}

func TestMatchOrderClosedOnceDeadlineArmed(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.armDeadline(t, m.ID, 100)

	f.currency.Mint(buyer, big.NewInt(10))
	_, err := f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker: buyer, OrderHash: o.Hash, Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrMatchingClosed)
}

// A full happy-path settlement: 24h window, 10% fees, 100 tokens at a price
// of 10. The seller nets 19 currency, the operator 1 currency plus 10
// tokens, the buyer 90 tokens.
func TestFulfillEndToEnd(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.registry.Bank(token).Mint(seller, big.NewInt(100))

	f.setNow(baseTime.Add(23 * time.Hour))
	got, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFulfilled, got.Status)
	assert.Equal(t, int64(0), got.Custody().Int64())

	assert.Equal(t, int64(19), f.balance(t, seller))
	assert.Equal(t, int64(1), f.balance(t, platform))
	assert.Equal(t, int64(0), f.balance(t, buyer))
	assert.Equal(t, int64(0), f.balance(t, custody))

	assert.Equal(t, int64(90), f.tokenBalance(t, buyer))
	assert.Equal(t, int64(10), f.tokenBalance(t, platform))
	assert.Equal(t, int64(0), f.tokenBalance(t, seller))
}

func TestFulfillAtExactDeadline(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.registry.Bank(token).Mint(seller, big.NewInt(100))

	// The boundary is inclusive.
	f.setNow(baseTime.Add(24 * time.Hour))
	_, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	require.NoError(t, err)
}

func TestFulfillAfterDeadline(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.registry.Bank(token).Mint(seller, big.NewInt(100))

	f.setNow(baseTime.Add(24*time.Hour + time.Second))
	_, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
}

func TestFulfillRequiresMaker(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	_, err := f.orders.FulfillOrder(f.ctx, buyer, o.Hash)
	assert.ErrorIs(t, err, domain.ErrNotMaker)
}

func TestFulfillWithoutTokensRollsBack(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	// The maker holds no tokens, so delivery fails and nothing moves.
	_, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)

	got, err := f.orders.GetOrder(f.ctx, o.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusMatched, got.Status)
	assert.Equal(t, int64(20), got.Custody().Int64())
	assert.Equal(t, int64(20), f.balance(t, custody))
}

// Buyer-favored default: the buyer recovers their own 10 plus the seller's
// forfeited collateral net of the 10% default fee. Buyer nets 19, operator 1.
func TestClaimDefaultBuyerFavored(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, true)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.setNow(baseTime.Add(24*time.Hour + time.Second))
	got, err := f.orders.ClaimDefault(f.ctx, buyer, o.Hash)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusDefaulted, got.Status)
	assert.Equal(t, int64(0), got.Custody().Int64())

	assert.Equal(t, int64(19), f.balance(t, buyer))
	assert.Equal(t, int64(1), f.balance(t, platform))
	assert.Equal(t, int64(0), f.balance(t, seller))
	assert.Equal(t, int64(0), f.balance(t, custody))
}

// Platform-favored default: the buyer recovers only their own collateral and
// the seller's forfeit goes to the operator in full.
func TestClaimDefaultPlatformFavored(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.setNow(baseTime.Add(24*time.Hour + time.Second))
	_, err := f.orders.ClaimDefault(f.ctx, buyer, o.Hash)
	require.NoError(t, err)

	assert.Equal(t, int64(10), f.balance(t, buyer))
	assert.Equal(t, int64(10), f.balance(t, platform))
	assert.Equal(t, int64(0), f.balance(t, custody))
}

func TestClaimDefaultAtExactDeadlineFails(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, true)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	// Lateness is strict.
	f.setNow(baseTime.Add(24 * time.Hour))
	_, err := f.orders.ClaimDefault(f.ctx, buyer, o.Hash)
	assert.ErrorIs(t, err, domain.ErrDeadlineNotReached)
}

func TestClaimDefaultRequiresTaker(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, true)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.setNow(baseTime.Add(24*time.Hour + time.Second))
	_, err := f.orders.ClaimDefault(f.ctx, seller, o.Hash)
	assert.ErrorIs(t, err, domain.ErrNotTaker)
}

func TestCancelOrderRefundsMaker(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	got, err := f.orders.CancelOrder(f.ctx, seller, o.Hash)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Equal(t, int64(0), got.Custody().Int64())
	assert.Equal(t, int64(10), f.balance(t, seller))
	assert.Equal(t, int64(0), f.balance(t, custody))
}

func TestCancelOrderOnlyActive(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	_, err := f.orders.CancelOrder(f.ctx, buyer, o.Hash)
	assert.ErrorIs(t, err, domain.ErrNotMaker)

	_, err = f.orders.CancelOrder(f.ctx, seller, o.Hash)
	require.NoError(t, err)

	// Terminal states are absorbing; a second release finds nothing.
	_, err = f.orders.CancelOrder(f.ctx, seller, o.Hash)
	assert.ErrorIs(t, err, domain.ErrOrderNotActive)
	assert.Equal(t, int64(10), f.balance(t, seller))

	// Nor can a cancelled order be matched.
	f.currency.Mint(buyer, big.NewInt(10))
	_, err = f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker: buyer, OrderHash: o.Hash, Payment: big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrOrderNotActive)
}

func TestCancelMatchedOrderFails(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)

	_, err := f.orders.CancelOrder(f.ctx, seller, o.Hash)
	assert.ErrorIs(t, err, domain.ErrOrderNotActive)
}

// Currency never appears or disappears across a full lifecycle: everything
// minted is accounted for across participants when the order settles.
func TestCurrencyConservation(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, true)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)

	f.setNow(baseTime.Add(25 * time.Hour))
	_, err := f.orders.ClaimDefault(f.ctx, buyer, o.Hash)
	require.NoError(t, err)

	total := f.balance(t, seller) + f.balance(t, buyer) +
		f.balance(t, platform) + f.balance(t, custody)
	assert.Equal(t, int64(20), total)
}

func TestUserOrderIndex(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)

	makerCount, err := f.orders.UserOrderCount(f.ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, int64(1), makerCount)

	takerCount, err := f.orders.UserOrderCount(f.ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), takerCount)

	h, err := f.orders.UserOrderAt(f.ctx, buyer, 0)
	require.NoError(t, err)
	assert.Equal(t, o.Hash, h)
}

func TestRecoverCurrencyOnlyExcess(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	f.createOrder(t, m.ID, 10)

	to := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	// All 10 at custody are owed to the live order.
	err := f.markets.RecoverCurrency(f.ctx, operator, to, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNothingToRecover)

	// Stray funds above the accounted collateral are sweepable.
	f.currency.Mint(custody, big.NewInt(5))
	err = f.markets.RecoverCurrency(f.ctx, operator, to, big.NewInt(6))
	assert.ErrorIs(t, err, domain.ErrNothingToRecover)
	require.NoError(t, f.markets.RecoverCurrency(f.ctx, operator, to, big.NewInt(5)))
	assert.Equal(t, int64(5), f.balance(t, to))
	assert.Equal(t, int64(10), f.balance(t, custody))
}

func TestRecoverToken(t *testing.T) {
	f := newFixture(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	err := f.markets.RecoverToken(f.ctx, operator, to, token)
	assert.ErrorIs(t, err, domain.ErrNothingToRecover)

	f.registry.Bank(token).Mint(custody, big.NewInt(7))
	require.NoError(t, f.markets.RecoverToken(f.ctx, operator, to, token))
	assert.Equal(t, int64(7), f.tokenBalance(t, to))
}

func TestRecoveryRequiresOperator(t *testing.T) {
	f := newFixture(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	err := f.markets.RecoverCurrency(f.ctx, seller, to, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotOperator)
	err = f.markets.RecoverToken(f.ctx, seller, to, token)
	assert.ErrorIs(t, err, domain.ErrNotOperator)
}

func TestSetDefaultFeeRateCap(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)

	assert.ErrorIs(t, f.markets.SetDefaultFeeRate(f.ctx, operator, m.ID, 1001), domain.ErrFeeRateTooHigh)
	require.NoError(t, f.markets.SetDefaultFeeRate(f.ctx, operator, m.ID, 500))

	got, err := f.markets.GetMarket(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.DefaultFeeBps)
}

func TestEventsReachAuditLog(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	f.matchOrder(t, o)

	entries, err := f.audit.List(f.ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, string(domain.EventOrderMatched), entries[0].Event)
	assert.Equal(t, string(domain.EventOrderCreated), entries[1].Event)
	assert.Equal(t, string(domain.EventMarketCreated), entries[2].Event)
}

func TestSetDeadlineResetMovesDeadline(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	require.NoError(t, f.markets.SetTokenDetails(f.ctx, operator, m.ID, token, big.NewInt(100)))

	require.NoError(t, f.markets.SetDeadline(f.ctx, operator, m.ID))
	got, err := f.markets.GetMarket(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(24*time.Hour), got.Deadline)

	// A repeated call recomputes from the clock, extending the window.
	f.setNow(baseTime.Add(time.Hour))
	require.NoError(t, f.markets.SetDeadline(f.ctx, operator, m.ID))
	got, err = f.markets.GetMarket(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(25*time.Hour), got.Deadline)
}

func TestMatchOrderHoldsMarketLock(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)

	unlock, err := f.orders.locks.Acquire(f.ctx, fmt.Sprintf("market:%d", m.ID), lockTTL)
	require.NoError(t, err)
	defer unlock()

	f.currency.Mint(buyer, big.NewInt(10))
	_, err = f.orders.MatchOrder(f.ctx, MatchOrderParams{
		Taker:     buyer,
		OrderHash: o.Hash,
		Payment:   big.NewInt(10),
	})
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

// refusingLedger rejects transfers to one address and delegates the rest.
type refusingLedger struct {
	domain.TokenLedger
	refuse common.Address
	err    error
}

func (l *refusingLedger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if to == l.refuse {
		return l.err
	}
	return l.TokenLedger.Transfer(ctx, from, to, amount)
}

// updateFailStore fails writes that would store an order in the given status.
type updateFailStore struct {
	domain.OrderStore
	status domain.OrderStatus
	err    error
}

func (s *updateFailStore) Update(ctx context.Context, o domain.Order) error {
	if o.Status == s.status {
		return s.err
	}
	return s.OrderStore.Update(ctx, o)
}

func TestFulfillSurfacesFailedRollback(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	o = f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)
	f.registry.Bank(token).Mint(seller, big.NewInt(100))

	// The platform fee leg fails, and so does the compensating rewrite of
	// the order record. Both failures must surface to the caller.
	railDown := errors.New("currency rail down")
	storeDown := errors.New("order store down")
	f.orders.settle.currency = &refusingLedger{TokenLedger: f.currency, refuse: platform, err: railDown}
	f.orders.settle.orders = &updateFailStore{OrderStore: f.orders.orders, status: domain.OrderStatusMatched, err: storeDown}

	_, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	require.Error(t, err)
	assert.ErrorIs(t, err, railDown)
	assert.ErrorIs(t, err, storeDown)
}

// terminalGetFailStore fails reads of records that have reached a terminal
// status, standing in for a store that goes unreachable after the write.
type terminalGetFailStore struct {
	domain.OrderStore
	err error
}

func (s *terminalGetFailStore) Get(ctx context.Context, hash common.Hash) (domain.Order, error) {
	o, err := s.OrderStore.Get(ctx, hash)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status.Terminal() {
		return domain.Order{}, s.err
	}
	return o, nil
}

func TestFulfillReturnsSettledRecordWithoutReread(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, false)
	o := f.createOrder(t, m.ID, 10)
	o = f.matchOrder(t, o)
	f.armDeadline(t, m.ID, 100)
	f.registry.Bank(token).Mint(seller, big.NewInt(100))

	store := &terminalGetFailStore{OrderStore: f.orders.orders, err: errors.New("replica lagging")}
	f.orders.orders = store
	f.orders.settle.orders = store

	settled, err := f.orders.FulfillOrder(f.ctx, seller, o.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFulfilled, settled.Status)
	assert.Zero(t, settled.Custody().Sign())
}
