package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderStatus tracks the order lifecycle.
//
// Invalid is the state of a hash that was never written. It is kept as an
// explicit variant so that "never created" is never conflated with a real
// status carried by a default-initialized record.
type OrderStatus string

const (
	OrderStatusInvalid   OrderStatus = "invalid"
	OrderStatusActive    OrderStatus = "active"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusDefaulted OrderStatus = "defaulted"
)

// Terminal reports whether the status is absorbing. Terminal orders are
// never removed; only their collateral balances are zeroed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusCancelled, OrderStatusDefaulted:
		return true
	}
	return false
}

// Live reports whether the order still holds custody of collateral.
func (s OrderStatus) Live() bool {
	return s == OrderStatusActive || s == OrderStatusMatched
}

// Order is a single bilateral trade intent: a maker's collateralized
// commitment to deliver the market's token, identified by the content hash
// of (maker, marketId, price, salt).
//
// Collateral fields are zeroed the instant funds are released; a zero
// balance doubles as the consumed flag, so a release can never run twice.
type Order struct {
	Hash     common.Hash
	Maker    common.Address
	MarketID uint64
	Price    *big.Int
	Salt     *big.Int

	// Taker is the zero address until the order is matched.
	Taker common.Address

	MakerCollateral *big.Int
	TakerCollateral *big.Int

	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Custody returns the total currency held in escrow for this order.
func (o Order) Custody() *big.Int {
	total := new(big.Int)
	if o.MakerCollateral != nil {
		total.Add(total, o.MakerCollateral)
	}
	if o.TakerCollateral != nil {
		total.Add(total, o.TakerCollateral)
	}
	return total
}
