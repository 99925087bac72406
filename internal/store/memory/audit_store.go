package memory

import (
	"context"
	"sync"
	"time"

	"github.com/otclabs/premarket/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

// List returns entries newest-first with pagination.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, s.entries[i])
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ListBefore returns entries created strictly before the cutoff.
func (s *AuditStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
