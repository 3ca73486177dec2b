package history

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/degenlabs/degenshield/internal/pagination"
)

// MemoryStore is an in-memory analysis store for demo/development mode.
type MemoryStore struct {
	analyses map[string]*Analysis
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory analysis store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		analyses: make(map[string]*Analysis),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.analyses[a.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Complete(_ context.Context, id string, result json.RawMessage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if a.closed() {
		return ErrAlreadyClosed
	}
	a.Status = StatusCompleted
	a.Result = append(json.RawMessage(nil), result...)
	a.CompletedAt = &at
	return nil
}

func (m *MemoryStore) MarkTimeout(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if a.closed() {
		return ErrAlreadyClosed
	}
	a.Status = StatusTimeout
	a.CompletedAt = &at
	return nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subject string, limit int, before *pagination.Cursor) ([]*Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := strings.ToLower(subject)
	var result []*Analysis
	for _, a := range m.analyses {
		if strings.ToLower(a.Subject) == want && olderThan(a, before) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return sortAndCap(result, limit), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int, before *pagination.Cursor) ([]*Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Analysis, 0, len(m.analyses))
	for _, a := range m.analyses {
		if !olderThan(a, before) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return sortAndCap(result, limit), nil
}

// olderThan reports whether a sorts strictly after the cursor position in the
// newest-first ordering by (SubmittedAt, ID).
func olderThan(a *Analysis, before *pagination.Cursor) bool {
	if before == nil {
		return true
	}
	if a.SubmittedAt.Equal(before.CreatedAt) {
		return a.ID < before.ID
	}
	return a.SubmittedAt.Before(before.CreatedAt)
}

func sortAndCap(result []*Analysis, limit int) []*Analysis {
	sort.Slice(result, func(i, j int) bool {
		if result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
