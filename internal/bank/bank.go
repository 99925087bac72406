// Package bank provides an in-process fungible balance book implementing
// domain.TokenLedger. It backs the dev mode and the test suite; production
// deployments point the venue at an external ledger instead.
package bank

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
)

// Bank is a thread-safe balance book for a single fungible asset.
type Bank struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

// New creates an empty Bank.
func New() *Bank {
	return &Bank{balances: make(map[common.Address]*big.Int)}
}

// Mint credits amount to addr. Test and dev setup only.
func (b *Bank) Mint(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
}

// Transfer moves amount from one holder to another. It fails when the
// sender's balance is insufficient; a failed transfer moves nothing.
func (b *Bank) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: invalid amount: %w", domain.ErrTransferFailed)
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("bank: insufficient balance of %s: %w", from.Hex(), domain.ErrTransferFailed)
	}
	bal.Sub(bal, amount)
	b.credit(to, amount)
	return nil
}

// BalanceOf returns a copy of addr's balance.
func (b *Bank) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

// credit adds amount to addr. Caller holds the lock.
func (b *Bank) credit(addr common.Address, amount *big.Int) {
	if bal, ok := b.balances[addr]; ok {
		bal.Add(bal, amount)
		return
	}
	b.balances[addr] = new(big.Int).Set(amount)
}

// Compile-time interface check.
var _ domain.TokenLedger = (*Bank)(nil)
