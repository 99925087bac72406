package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/fees"
)

// settlement is the coordinator for the multi-step fund movements of
// fulfillment, cancellation, and default. The governing discipline: commit
// the ledger record to its terminal state with zeroed balances, then issue
// the outgoing transfers; if anything fails, every applied step is undone
// so the whole operation is all-or-nothing. Zeroing balances before the
// currency leaves custody means a re-entrant call mid-operation finds
// nothing left to release.
type settlement struct {
	currency domain.TokenLedger
	tokens   domain.TokenLedgerResolver
	custody  common.Address
	platform common.Address
	orders   domain.OrderStore
	logger   *slog.Logger
}

// payout reports where settled funds went, for events and logging.
type payout struct {
	MakerCurrency    *big.Int
	TakerCurrency    *big.Int
	PlatformCurrency *big.Int
	TakerTokens      *big.Int
	PlatformTokens   *big.Int
}

// step is one unit of a settlement: an apply plus the compensating undo.
type step struct {
	apply func(ctx context.Context) error
	undo  func(ctx context.Context) error
}

// runSteps executes steps in order. On the first failure it undoes the
// already applied steps in reverse. A failed undo leaves the ledger
// inconsistent, so it is logged at error level and joined into the returned
// error rather than swallowed.
func (s *settlement) runSteps(ctx context.Context, hash common.Hash, steps []step) error {
	applied := 0
	for _, st := range steps {
		if err := st.apply(ctx); err != nil {
			errs := []error{err}
			for i := applied - 1; i >= 0; i-- {
				if steps[i].undo == nil {
					continue
				}
				if undoErr := steps[i].undo(ctx); undoErr != nil {
					s.logger.ErrorContext(ctx, "settlement rollback step failed",
						slog.String("order_hash", hash.Hex()),
						slog.Int("step", i),
						slog.String("error", undoErr.Error()),
					)
					errs = append(errs, fmt.Errorf("rollback step %d: %w", i, undoErr))
				}
			}
			return errors.Join(errs...)
		}
		applied++
	}
	return nil
}

// fulfill delivers the token from maker to taker and platform, then
// releases the order's custody to maker and platform net of the platform
// fee. The token moves first: a failed delivery aborts before any currency
// moves.
func (s *settlement) fulfill(ctx context.Context, market domain.Market, order domain.Order) (domain.Order, payout, error) {
	ledger, err := s.tokens.ForToken(market.Token)
	if err != nil {
		return domain.Order{}, payout{}, fmt.Errorf("settlement: resolve token ledger: %w", err)
	}

	tokenFee := fees.Share(market.TokenAmount, market.PlatformFeeBps)
	takerTokens := fees.Remainder(market.TokenAmount, market.PlatformFeeBps)

	paymentFee := fees.Share(order.Price, market.PlatformFeeBps)
	makerCurrency := new(big.Int).Sub(order.Custody(), paymentFee)

	prior := order
	settled := order
	settled.MakerCollateral = new(big.Int)
	settled.TakerCollateral = new(big.Int)
	settled.Status = domain.OrderStatusFulfilled

	out := payout{
		MakerCurrency:    makerCurrency,
		PlatformCurrency: paymentFee,
		TakerTokens:      takerTokens,
		PlatformTokens:   tokenFee,
	}

	err = s.runSteps(ctx, order.Hash, []step{
		{
			apply: func(ctx context.Context) error {
				return ledger.Transfer(ctx, order.Maker, order.Taker, takerTokens)
			},
			undo: func(ctx context.Context) error {
				return ledger.Transfer(ctx, order.Taker, order.Maker, takerTokens)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return ledger.Transfer(ctx, order.Maker, s.platform, tokenFee)
			},
			undo: func(ctx context.Context) error {
				return ledger.Transfer(ctx, s.platform, order.Maker, tokenFee)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.orders.Update(ctx, settled)
			},
			undo: func(ctx context.Context) error {
				return s.orders.Update(ctx, prior)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, s.custody, order.Maker, makerCurrency)
			},
			undo: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, order.Maker, s.custody, makerCurrency)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, s.custody, s.platform, paymentFee)
			},
		},
	})
	if err != nil {
		return domain.Order{}, payout{}, err
	}
	return settled, out, nil
}

// claimDefault refunds the taker's own collateral in full and distributes
// the maker's forfeited collateral per the market's default policy.
func (s *settlement) claimDefault(ctx context.Context, market domain.Market, order domain.Order) (domain.Order, payout, error) {
	takerCurrency := new(big.Int)
	if order.TakerCollateral != nil {
		takerCurrency.Set(order.TakerCollateral)
	}
	platformCurrency := new(big.Int)
	if market.DefaultToBuyer {
		platformCurrency = fees.Share(order.MakerCollateral, market.DefaultFeeBps)
		takerCurrency.Add(takerCurrency, fees.Remainder(order.MakerCollateral, market.DefaultFeeBps))
	} else if order.MakerCollateral != nil {
		platformCurrency.Set(order.MakerCollateral)
	}

	prior := order
	settled := order
	settled.MakerCollateral = new(big.Int)
	settled.TakerCollateral = new(big.Int)
	settled.Status = domain.OrderStatusDefaulted

	out := payout{
		TakerCurrency:    takerCurrency,
		PlatformCurrency: platformCurrency,
	}

	err := s.runSteps(ctx, order.Hash, []step{
		{
			apply: func(ctx context.Context) error {
				return s.orders.Update(ctx, settled)
			},
			undo: func(ctx context.Context) error {
				return s.orders.Update(ctx, prior)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, s.custody, order.Taker, takerCurrency)
			},
			undo: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, order.Taker, s.custody, takerCurrency)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, s.custody, s.platform, platformCurrency)
			},
		},
	})
	if err != nil {
		return domain.Order{}, payout{}, err
	}
	return settled, out, nil
}

// cancel returns the maker's collateral on a pre-match withdrawal.
func (s *settlement) cancel(ctx context.Context, order domain.Order) (domain.Order, payout, error) {
	refund := new(big.Int)
	if order.MakerCollateral != nil {
		refund.Set(order.MakerCollateral)
	}

	prior := order
	settled := order
	settled.MakerCollateral = new(big.Int)
	settled.TakerCollateral = new(big.Int)
	settled.Status = domain.OrderStatusCancelled

	err := s.runSteps(ctx, order.Hash, []step{
		{
			apply: func(ctx context.Context) error {
				return s.orders.Update(ctx, settled)
			},
			undo: func(ctx context.Context) error {
				return s.orders.Update(ctx, prior)
			},
		},
		{
			apply: func(ctx context.Context) error {
				return s.currency.Transfer(ctx, s.custody, order.Maker, refund)
			},
		},
	})
	if err != nil {
		return domain.Order{}, payout{}, err
	}
	return settled, payout{MakerCurrency: refund}, nil
}
