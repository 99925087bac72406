package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/crypto"
	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/fees"
)

// createRateLimit caps order creation and matching per address.
const (
	createRateLimit  = 10
	createRateWindow = time.Second
)

// OrderService is the order ledger: it owns order records, their custody
// balances, and the state machine governing transitions. Each mutating
// operation runs under the distributed lock of its order hash, making it an
// indivisible unit relative to every other operation on that order.
type OrderService struct {
	custody  common.Address
	platform common.Address

	markets  domain.MarketStore
	orders   domain.OrderStore
	cache    domain.MarketCache
	locks    domain.LockManager
	limiter  domain.RateLimiter
	currency domain.TokenLedger
	settle   *settlement
	events   *EventSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrderService creates an OrderService. cache and limiter may be nil.
func NewOrderService(
	custody, platform common.Address,
	markets domain.MarketStore,
	orders domain.OrderStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	limiter domain.RateLimiter,
	currency domain.TokenLedger,
	tokens domain.TokenLedgerResolver,
	events *EventSink,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		custody:  custody,
		platform: platform,
		markets:  markets,
		orders:   orders,
		cache:    cache,
		locks:    locks,
		limiter:  limiter,
		currency: currency,
		settle: &settlement{
			currency: currency,
			tokens:   tokens,
			custody:  custody,
			platform: platform,
			orders:   orders,
			logger:   logger.With(slog.String("component", "settlement")),
		},
		events: events,
		logger: logger.With(slog.String("component", "order_service")),
		now:    time.Now,
	}
}

// ComputeOrderHash returns the canonical identity hash for the given terms.
// It is pure and reproducible off-process.
func (s *OrderService) ComputeOrderHash(maker common.Address, marketID uint64, price, salt *big.Int) common.Hash {
	return crypto.OrderHash(maker, marketID, price, salt)
}

// CreateOrderParams are the maker's terms plus the payment they attached.
type CreateOrderParams struct {
	Maker    common.Address
	MarketID uint64
	Price    *big.Int
	Salt     *big.Int
	Payment  *big.Int
}

// CreateOrder opens a sell order: the maker's payment, which must equal the
// price exactly, is locked as collateral and the record stored Active.
func (s *OrderService) CreateOrder(ctx context.Context, p CreateOrderParams) (domain.Order, error) {
	if err := s.allow(ctx, "orders:create:"+p.Maker.Hex()); err != nil {
		return domain.Order{}, err
	}
	if p.Price == nil || p.Price.Sign() <= 0 || p.Payment == nil || p.Payment.Cmp(p.Price) != 0 {
		return domain.Order{}, domain.ErrWrongPayment
	}

	hash := crypto.OrderHash(p.Maker, p.MarketID, p.Price, p.Salt)

	unlock, err := s.locks.Acquire(ctx, "order:"+hash.Hex(), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: order lock: %w", err)
	}
	defer unlock()

	market, err := s.getMarket(ctx, p.MarketID)
	if err != nil {
		return domain.Order{}, err
	}
	if !market.Active {
		return domain.Order{}, domain.ErrMarketInactive
	}
	if _, err := s.orders.Get(ctx, hash); err == nil {
		return domain.Order{}, domain.ErrOrderExists
	}

	// Pull the deposit, then record it. A failed record write refunds the
	// deposit so the pair is all-or-nothing.
	if err := s.currency.Transfer(ctx, p.Maker, s.custody, p.Price); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: collateral deposit: %w", err)
	}

	order := domain.Order{
		Hash:            hash,
		Maker:           p.Maker,
		MarketID:        p.MarketID,
		Price:           new(big.Int).Set(p.Price),
		Salt:            saltOrZero(p.Salt),
		MakerCollateral: new(big.Int).Set(p.Price),
		TakerCollateral: new(big.Int),
		Status:          domain.OrderStatusActive,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		_ = s.currency.Transfer(ctx, s.custody, p.Maker, p.Price)
		return domain.Order{}, fmt.Errorf("order_service: create order: %w", err)
	}
	if err := s.orders.AppendUserOrder(ctx, p.Maker, hash); err != nil {
		s.logger.WarnContext(ctx, "user index append failed",
			slog.String("order_hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
	}

	s.events.emit(ctx, domain.Event{
		Type:      domain.EventOrderCreated,
		MarketID:  p.MarketID,
		OrderHash: hash,
		Detail:    map[string]any{"maker": p.Maker.Hex(), "price": p.Price.String()},
	})

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_hash", hash.Hex()),
		slog.Uint64("market_id", p.MarketID),
		slog.String("price", p.Price.String()),
	)
	return order, nil
}

// MatchOrderParams are the taker's acceptance plus the payment attached.
type MatchOrderParams struct {
	Taker     common.Address
	OrderHash common.Hash
	Payment   *big.Int
}

// MatchOrder accepts an active order. The taker locks collateral equal to
// the price. Matching is only possible while the market is active and its
// settlement window has not been armed.
func (s *OrderService) MatchOrder(ctx context.Context, p MatchOrderParams) (domain.Order, error) {
	if err := s.allow(ctx, "orders:match:"+p.Taker.Hex()); err != nil {
		return domain.Order{}, err
	}

	unlock, err := s.locks.Acquire(ctx, "order:"+p.OrderHash.Hex(), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: order lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.Get(ctx, p.OrderHash)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusActive {
		return domain.Order{}, domain.ErrOrderNotActive
	}

	// The matching-closed check races the operator arming the deadline, so
	// the market state is read under the market lock.
	munlock, err := s.locks.Acquire(ctx, fmt.Sprintf("market:%d", order.MarketID), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: market lock: %w", err)
	}
	defer munlock()

	market, err := s.getMarket(ctx, order.MarketID)
	if err != nil {
		return domain.Order{}, err
	}
	if !market.Active {
		return domain.Order{}, domain.ErrMarketInactive
	}
	if market.HasDeadline {
		return domain.Order{}, domain.ErrMatchingClosed
	}
	if p.Taker == order.Maker {
		return domain.Order{}, domain.ErrSelfTrade
	}
	if p.Payment == nil || p.Payment.Cmp(order.Price) != 0 {
		return domain.Order{}, domain.ErrWrongPayment
	}

	if err := s.currency.Transfer(ctx, p.Taker, s.custody, order.Price); err != nil {
		return domain.Order{}, fmt.Errorf("order_service: collateral deposit: %w", err)
	}

	prior := order
	order.Taker = p.Taker
	order.TakerCollateral = new(big.Int).Set(order.Price)
	order.Status = domain.OrderStatusMatched
	if err := s.orders.Update(ctx, order); err != nil {
		_ = s.currency.Transfer(ctx, s.custody, p.Taker, prior.Price)
		return domain.Order{}, fmt.Errorf("order_service: match order: %w", err)
	}
	if err := s.orders.AppendUserOrder(ctx, p.Taker, order.Hash); err != nil {
		s.logger.WarnContext(ctx, "user index append failed",
			slog.String("order_hash", order.Hash.Hex()),
			slog.String("error", err.Error()),
		)
	}

	s.events.emit(ctx, domain.Event{
		Type:      domain.EventOrderMatched,
		MarketID:  order.MarketID,
		OrderHash: order.Hash,
		Detail:    map[string]any{"taker": p.Taker.Hex()},
	})

	s.logger.InfoContext(ctx, "order matched",
		slog.String("order_hash", order.Hash.Hex()),
		slog.String("taker", p.Taker.Hex()),
	)
	return order, nil
}

// FulfillOrder settles a matched order: the maker delivers the token at or
// before the deadline and recovers both collaterals net of the platform
// fee. The deadline boundary is inclusive.
func (s *OrderService) FulfillOrder(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error) {
	unlock, err := s.locks.Acquire(ctx, "order:"+hash.Hex(), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: order lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.Get(ctx, hash)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusMatched {
		return domain.Order{}, domain.ErrOrderNotMatched
	}
	if caller != order.Maker {
		return domain.Order{}, domain.ErrNotMaker
	}

	market, err := s.getMarket(ctx, order.MarketID)
	if err != nil {
		return domain.Order{}, err
	}
	if !market.HasTokenDetails {
		return domain.Order{}, domain.ErrTokenDetailsMissing
	}
	if !market.HasDeadline {
		return domain.Order{}, domain.ErrDeadlineMissing
	}
	if !fees.BeforeOrAt(s.now().UTC(), market.Deadline) {
		return domain.Order{}, domain.ErrDeadlinePassed
	}

	settled, out, err := s.settle.fulfill(ctx, market, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: fulfill %s: %w", hash.Hex(), err)
	}

	s.events.emit(ctx, domain.Event{
		Type:      domain.EventOrderFulfilled,
		MarketID:  order.MarketID,
		OrderHash: hash,
		Detail: map[string]any{
			"maker_currency":  out.MakerCurrency.String(),
			"platform_fee":    out.PlatformCurrency.String(),
			"taker_tokens":    out.TakerTokens.String(),
			"platform_tokens": out.PlatformTokens.String(),
		},
	})

	s.logger.InfoContext(ctx, "order fulfilled",
		slog.String("order_hash", hash.Hex()),
		slog.String("maker_currency", out.MakerCurrency.String()),
	)
	return settled, nil
}

// ClaimDefault lets the taker claim a matched order whose deadline passed
// without delivery. Lateness is strict: a claim at exactly the deadline
// timestamp fails.
func (s *OrderService) ClaimDefault(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error) {
	unlock, err := s.locks.Acquire(ctx, "order:"+hash.Hex(), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: order lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.Get(ctx, hash)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusMatched {
		return domain.Order{}, domain.ErrOrderNotMatched
	}
	if caller != order.Taker {
		return domain.Order{}, domain.ErrNotTaker
	}

	market, err := s.getMarket(ctx, order.MarketID)
	if err != nil {
		return domain.Order{}, err
	}
	if !market.HasDeadline {
		return domain.Order{}, domain.ErrDeadlineMissing
	}
	if !fees.After(s.now().UTC(), market.Deadline) {
		return domain.Order{}, domain.ErrDeadlineNotReached
	}

	settled, out, err := s.settle.claimDefault(ctx, market, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: claim default %s: %w", hash.Hex(), err)
	}

	s.events.emit(ctx, domain.Event{
		Type:      domain.EventOrderDefaulted,
		MarketID:  order.MarketID,
		OrderHash: hash,
		Detail: map[string]any{
			"taker_currency":    out.TakerCurrency.String(),
			"platform_currency": out.PlatformCurrency.String(),
		},
	})

	s.logger.InfoContext(ctx, "order defaulted",
		slog.String("order_hash", hash.Hex()),
		slog.String("taker_currency", out.TakerCurrency.String()),
	)
	return settled, nil
}

// CancelOrder withdraws an order before it is matched and refunds the
// maker's collateral.
func (s *OrderService) CancelOrder(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error) {
	unlock, err := s.locks.Acquire(ctx, "order:"+hash.Hex(), lockTTL)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: order lock: %w", err)
	}
	defer unlock()

	order, err := s.orders.Get(ctx, hash)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusActive {
		return domain.Order{}, domain.ErrOrderNotActive
	}
	if caller != order.Maker {
		return domain.Order{}, domain.ErrNotMaker
	}

	settled, _, err := s.settle.cancel(ctx, order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: cancel %s: %w", hash.Hex(), err)
	}

	s.events.emit(ctx, domain.Event{
		Type:      domain.EventOrderCancelled,
		MarketID:  order.MarketID,
		OrderHash: hash,
	})

	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_hash", hash.Hex()),
	)
	return settled, nil
}

// GetOrder retrieves an order by its hash.
func (s *OrderService) GetOrder(ctx context.Context, hash common.Hash) (domain.Order, error) {
	return s.orders.Get(ctx, hash)
}

// ListByMarket returns orders for a market with pagination.
func (s *OrderService) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Order, error) {
	orders, err := s.orders.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list by market %d: %w", marketID, err)
	}
	return orders, nil
}

// UserOrderCount returns the length of a user's order index.
func (s *OrderService) UserOrderCount(ctx context.Context, user common.Address) (int64, error) {
	count, err := s.orders.UserOrderCount(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("order_service: user order count: %w", err)
	}
	return count, nil
}

// UserOrderAt returns the hash at the given index of a user's sequence.
func (s *OrderService) UserOrderAt(ctx context.Context, user common.Address, index int64) (common.Hash, error) {
	hash, err := s.orders.UserOrderAt(ctx, user, index)
	if err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// allow applies the per-address rate limit when a limiter is configured.
func (s *OrderService) allow(ctx context.Context, key string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, key, createRateLimit, createRateWindow)
	if err != nil {
		return fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

// getMarket reads a market through the cache when one is configured.
func (s *OrderService) getMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}
	return s.markets.Get(ctx, id)
}

// saltOrZero copies salt, treating nil as zero.
func saltOrZero(salt *big.Int) *big.Int {
	if salt == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(salt)
}
