package bank

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
)

// Registry resolves a Bank per token address, creating each on first use.
// It implements domain.TokenLedgerResolver for the dev mode and tests.
type Registry struct {
	mu    sync.Mutex
	banks map[common.Address]*Bank
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{banks: make(map[common.Address]*Bank)}
}

// ForToken returns the Bank for token, creating it if needed.
func (r *Registry) ForToken(token common.Address) (domain.TokenLedger, error) {
	return r.Bank(token), nil
}

// Bank returns the concrete *Bank for token, for test setup (minting).
func (r *Registry) Bank(token common.Address) *Bank {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.banks[token]
	if !ok {
		b = New()
		r.banks[token] = b
	}
	return b
}

// Compile-time interface check.
var _ domain.TokenLedgerResolver = (*Registry)(nil)
