package storage

import (
	"context"
	"sync"

	"github.com/ferreirogomes/splpay/models"
)

// MemoryJournal vive só durante a execução. É o padrão do comando transfer.
type MemoryJournal struct {
	mu       sync.RWMutex
	attempts map[string]models.TransferAttempt
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{attempts: make(map[string]models.TransferAttempt)}
}

func (m *MemoryJournal) SaveAttempt(_ context.Context, a models.TransferAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = a
	return nil
}

func (m *MemoryJournal) GetAttempt(_ context.Context, id string) (models.TransferAttempt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	return a, ok, nil
}

func (m *MemoryJournal) LatestAttempt(_ context.Context, runID string) (models.TransferAttempt, bool, error) {
	a, ok := latestOf(m.snapshot(), runID)
	return a, ok, nil
}

func (m *MemoryJournal) LatestByKey(_ context.Context, key string) (models.TransferAttempt, bool, error) {
	a, ok := latestByKey(m.snapshot(), key)
	return a, ok, nil
}

func (m *MemoryJournal) ListAttempts(_ context.Context, limit int) ([]models.TransferAttempt, error) {
	all := m.snapshot()
	sortRecent(all)
	if limit = clampLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryJournal) Close() error { return nil }

func (m *MemoryJournal) snapshot() []models.TransferAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TransferAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a)
	}
	return out
}
