package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/fees"
)

// lockTTL bounds how long a crashed holder can keep a market or order lock.
const lockTTL = 30 * time.Second

// MarketService is the market registry: it owns market configuration
// records and their lifecycle. Every mutating operation requires the
// operator as caller.
type MarketService struct {
	operator common.Address
	custody  common.Address

	markets  domain.MarketStore
	orders   domain.OrderStore
	cache    domain.MarketCache
	locks    domain.LockManager
	currency domain.TokenLedger
	tokens   domain.TokenLedgerResolver
	events   *EventSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	operator, custody common.Address,
	markets domain.MarketStore,
	orders domain.OrderStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	currency domain.TokenLedger,
	tokens domain.TokenLedgerResolver,
	events *EventSink,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		operator: operator,
		custody:  custody,
		markets:  markets,
		orders:   orders,
		cache:    cache,
		locks:    locks,
		currency: currency,
		tokens:   tokens,
		events:   events,
		logger:   logger.With(slog.String("component", "market_service")),
		now:      time.Now,
	}
}

// CreateMarketParams are the operator-supplied attributes of a new market.
type CreateMarketParams struct {
	SettlementWindow time.Duration
	PlatformFeeBps   uint64
	DefaultFeeBps    uint64
	Metadata         string
	DefaultToBuyer   bool
}

// CreateMarket allocates the next market id and stores the record active,
// with no token details and no deadline.
func (s *MarketService) CreateMarket(ctx context.Context, caller common.Address, p CreateMarketParams) (domain.Market, error) {
	if caller != s.operator {
		return domain.Market{}, domain.ErrNotOperator
	}
	if p.SettlementWindow <= 0 {
		return domain.Market{}, domain.ErrZeroWindow
	}
	if p.PlatformFeeBps > fees.MaxPlatformFeeBps {
		return domain.Market{}, domain.ErrFeeRateTooHigh
	}
	if p.DefaultFeeBps > fees.MaxDefaultFeeBps {
		return domain.Market{}, domain.ErrFeeRateTooHigh
	}

	m, err := s.markets.Create(ctx, domain.Market{
		Metadata:         p.Metadata,
		SettlementWindow: p.SettlementWindow,
		PlatformFeeBps:   p.PlatformFeeBps,
		DefaultFeeBps:    p.DefaultFeeBps,
		DefaultToBuyer:   p.DefaultToBuyer,
		Active:           true,
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	s.events.emit(ctx, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		Detail: map[string]any{
			"window_seconds":   p.SettlementWindow.Seconds(),
			"platform_fee_bps": p.PlatformFeeBps,
			"default_fee_bps":  p.DefaultFeeBps,
		},
	})

	s.logger.InfoContext(ctx, "market created",
		slog.Uint64("market_id", m.ID),
		slog.Duration("window", p.SettlementWindow),
	)
	return m, nil
}

// SetDefaultFeeRate updates the market's default fee rate, capped at 10%.
func (s *MarketService) SetDefaultFeeRate(ctx context.Context, caller common.Address, marketID uint64, rateBps uint64) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}
	if rateBps > fees.MaxDefaultFeeBps {
		return domain.ErrFeeRateTooHigh
	}

	return s.mutate(ctx, marketID, domain.EventDefaultFeeUpdated,
		map[string]any{"default_fee_bps": rateBps},
		func(m *domain.Market) error {
			m.DefaultFeeBps = rateBps
			return nil
		})
}

// SetDefaultCollateralRecipient routes a defaulting maker's collateral to
// either the taker or the platform.
func (s *MarketService) SetDefaultCollateralRecipient(ctx context.Context, caller common.Address, marketID uint64, toBuyer bool) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}

	return s.mutate(ctx, marketID, domain.EventDefaultRecipientUpdated,
		map[string]any{"default_to_buyer": toBuyer},
		func(m *domain.Market) error {
			m.DefaultToBuyer = toBuyer
			return nil
		})
}

// SetTokenDetails binds the market to its underlying token. It may be
// called at most once; OverrideTokenDetails is the correction path.
func (s *MarketService) SetTokenDetails(ctx context.Context, caller common.Address, marketID uint64, token common.Address, amount *big.Int) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}
	if err := validateTokenDetails(token, amount); err != nil {
		return err
	}

	return s.mutate(ctx, marketID, domain.EventMarketTokenDetailsSet,
		map[string]any{"token": token.Hex(), "amount": amount.String()},
		func(m *domain.Market) error {
			if m.HasTokenDetails {
				return domain.ErrTokenDetailsSet
			}
			m.Token = token
			m.TokenAmount = new(big.Int).Set(amount)
			m.HasTokenDetails = true
			return nil
		})
}

// OverrideTokenDetails rebinds the token details even when already set. It
// is an operator escape hatch: it can change settlement economics for
// orders already matched but not yet fulfilled.
func (s *MarketService) OverrideTokenDetails(ctx context.Context, caller common.Address, marketID uint64, token common.Address, amount *big.Int) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}
	if err := validateTokenDetails(token, amount); err != nil {
		return err
	}

	return s.mutate(ctx, marketID, domain.EventMarketTokenDetailsSet,
		map[string]any{"token": token.Hex(), "amount": amount.String(), "override": true},
		func(m *domain.Market) error {
			m.Token = token
			m.TokenAmount = new(big.Int).Set(amount)
			m.HasTokenDetails = true
			return nil
		})
}

// SetDeadline arms the settlement window: deadline = now + window. Matching
// closes the moment this succeeds.
//
// Calling it again resets the deadline relative to the current time. That
// reset is deliberate behavior, not a bug: it allows an explicit deadline
// extension, and it equally means an accidental second call voids the
// in-flight window. Call exactly once per settlement cycle.
func (s *MarketService) SetDeadline(ctx context.Context, caller common.Address, marketID uint64) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}

	detail := map[string]any{}
	return s.mutate(ctx, marketID, domain.EventMarketDeadlineSet, detail,
		func(m *domain.Market) error {
			if !m.HasTokenDetails || m.TokenAmount == nil || m.TokenAmount.Sign() == 0 || m.Token == (common.Address{}) {
				return domain.ErrTokenDetailsMissing
			}
			m.Deadline = fees.Deadline(s.now().UTC(), m.SettlementWindow)
			m.HasDeadline = true
			detail["deadline"] = m.Deadline.Format(time.RFC3339)
			return nil
		})
}

// StopMarket deactivates an active market.
func (s *MarketService) StopMarket(ctx context.Context, caller common.Address, marketID uint64) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}

	return s.mutate(ctx, marketID, domain.EventMarketStopped, nil,
		func(m *domain.Market) error {
			if !m.Active {
				return domain.ErrMarketAlreadyStopped
			}
			m.Active = false
			return nil
		})
}

// StartMarket reactivates a stopped market.
func (s *MarketService) StartMarket(ctx context.Context, caller common.Address, marketID uint64) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}

	return s.mutate(ctx, marketID, domain.EventMarketStarted, nil,
		func(m *domain.Market) error {
			if m.Active {
				return domain.ErrMarketAlreadyActive
			}
			m.Active = true
			return nil
		})
}

// GetMarket returns a market by id, read through the cache when one is
// configured.
func (s *MarketService) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market cache set failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns markets ordered by id with pagination.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	return markets, nil
}

// CountMarkets returns the total number of markets.
func (s *MarketService) CountMarkets(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count markets: %w", err)
	}
	return count, nil
}

// RecoverCurrency sweeps currency held by the custody account in excess of
// the collateral accounted to live orders. It can never touch funds that
// the order ledger still owes to a participant.
func (s *MarketService) RecoverCurrency(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}
	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrNothingToRecover
	}

	unlock, err := s.locks.Acquire(ctx, "recovery:currency", lockTTL)
	if err != nil {
		return fmt.Errorf("market_service: recovery lock: %w", err)
	}
	defer unlock()

	accounted, err := s.orders.SumLiveCollateral(ctx)
	if err != nil {
		return fmt.Errorf("market_service: sum live collateral: %w", err)
	}
	balance, err := s.currency.BalanceOf(ctx, s.custody)
	if err != nil {
		return fmt.Errorf("market_service: custody balance: %w", err)
	}

	excess := new(big.Int).Sub(balance, accounted)
	if excess.Cmp(amount) < 0 {
		return domain.ErrNothingToRecover
	}
	if err := s.currency.Transfer(ctx, s.custody, to, amount); err != nil {
		return fmt.Errorf("market_service: recover currency: %w", err)
	}

	s.events.emit(ctx, domain.Event{
		Type:   domain.EventFundsRecovered,
		Detail: map[string]any{"asset": "currency", "to": to.Hex(), "amount": amount.String()},
	})
	return nil
}

// RecoverToken sweeps the custody account's entire balance of a token. The
// settlement path moves tokens maker-to-taker directly, so any token parked
// at custody is unaccounted by construction.
func (s *MarketService) RecoverToken(ctx context.Context, caller, to, token common.Address) error {
	if caller != s.operator {
		return domain.ErrNotOperator
	}

	ledger, err := s.tokens.ForToken(token)
	if err != nil {
		return fmt.Errorf("market_service: resolve token ledger: %w", err)
	}
	balance, err := ledger.BalanceOf(ctx, s.custody)
	if err != nil {
		return fmt.Errorf("market_service: token custody balance: %w", err)
	}
	if balance.Sign() == 0 {
		return domain.ErrNothingToRecover
	}
	if err := ledger.Transfer(ctx, s.custody, to, balance); err != nil {
		return fmt.Errorf("market_service: recover token: %w", err)
	}

	s.events.emit(ctx, domain.Event{
		Type:   domain.EventFundsRecovered,
		Detail: map[string]any{"asset": token.Hex(), "to": to.Hex(), "amount": balance.String()},
	})
	return nil
}

// mutate loads the market under its lock, applies fn, persists the result,
// invalidates the cache, and emits evtType on success.
func (s *MarketService) mutate(ctx context.Context, marketID uint64, evtType domain.EventType, detail map[string]any, fn func(*domain.Market) error) error {
	unlock, err := s.locks.Acquire(ctx, fmt.Sprintf("market:%d", marketID), lockTTL)
	if err != nil {
		return fmt.Errorf("market_service: market %d lock: %w", marketID, err)
	}
	defer unlock()

	m, err := s.markets.Get(ctx, marketID)
	if err != nil {
		return err
	}
	if err := fn(&m); err != nil {
		return err
	}
	if err := s.markets.Update(ctx, m); err != nil {
		return fmt.Errorf("market_service: update market %d: %w", marketID, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, marketID); err != nil {
			s.logger.WarnContext(ctx, "market cache invalidate failed",
				slog.Uint64("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.events.emit(ctx, domain.Event{
		Type:     evtType,
		MarketID: marketID,
		Detail:   detail,
	})
	return nil
}

// validateTokenDetails rejects a zero amount or the null token address.
func validateTokenDetails(token common.Address, amount *big.Int) error {
	if token == (common.Address{}) || amount == nil || amount.Sign() <= 0 {
		return domain.ErrBadTokenDetails
	}
	return nil
}
