package domain

import "errors"

// Every failure mode is a distinct named condition surfaced synchronously to
// the caller. Nothing is retried and nothing is logged-and-continued; the
// caller always learns exactly which precondition failed.
var (
	// Configuration errors.
	ErrZeroWindow      = errors.New("settlement window must be non-zero")
	ErrFeeRateTooHigh  = errors.New("fee rate exceeds policy cap")
	ErrBadTokenDetails = errors.New("token amount or address invalid")
	ErrTokenDetailsSet = errors.New("token details already set")

	// State errors.
	ErrMarketNotFound       = errors.New("market does not exist")
	ErrMarketInactive       = errors.New("market is not active")
	ErrMarketAlreadyActive  = errors.New("market is already active")
	ErrMarketAlreadyStopped = errors.New("market is already stopped")
	ErrTokenDetailsMissing  = errors.New("token details not set")
	ErrDeadlineMissing      = errors.New("settlement deadline not set")
	ErrMatchingClosed       = errors.New("matching closed: settlement window armed")

	// Authorization errors.
	ErrNotOperator = errors.New("caller is not the operator")
	ErrNotMaker    = errors.New("caller is not the order maker")
	ErrNotTaker    = errors.New("caller is not the order taker")
	ErrSelfTrade   = errors.New("maker cannot take own order")

	// Payment errors.
	ErrWrongPayment = errors.New("payment does not equal required collateral")

	// Timing errors.
	ErrDeadlinePassed     = errors.New("settlement deadline has passed")
	ErrDeadlineNotReached = errors.New("settlement deadline not yet reached")

	// Ordering/identity errors.
	ErrOrderNotFound   = errors.New("no order recorded under this hash")
	ErrOrderExists     = errors.New("order hash already recorded")
	ErrOrderNotActive  = errors.New("order is not active")
	ErrOrderNotMatched = errors.New("order is not matched")

	// Transfer errors. Always fatal to the enclosing operation; the state
	// mutations of that operation are rolled back with it.
	ErrTransferFailed = errors.New("fund transfer failed")

	// Recovery errors.
	ErrNothingToRecover = errors.New("amount exceeds unaccounted balance")

	// Infrastructure errors.
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrBlobNotFound = errors.New("blob does not exist")
)
