package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/raterudder/sunwaysbridge/pkg/types"
)

var ErrEntryNotFound = errors.New("entry not found")

// MemoryProvider keeps entries in memory only. Entries are lost on restart.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]types.Entry
}

// NewMemoryProvider returns an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{entries: make(map[string]types.Entry)}
}

func (m *MemoryProvider) GetEntry(ctx context.Context, id string) (types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return types.Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (m *MemoryProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]types.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *MemoryProvider) SaveEntry(ctx context.Context, entry types.Entry) error {
	if entry.ID == "" {
		return errors.New("entry id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	return nil
}

func (m *MemoryProvider) DeleteEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryProvider) Close() error {
	return nil
}
