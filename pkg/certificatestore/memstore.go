package certificatestore

import (
	"context"
	"sync"
	"time"
)

// MemStore is a Store that lives only in memory. writes are counted so callers can assert on
// what got persisted.
type MemStore struct {
	artifacts map[string][]byte
	Writes    int
	mu        sync.Mutex
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		artifacts: map[string][]byte{},
	}
}

func (m *MemStore) WriteArtifact(_ context.Context, domain string, kind ArtifactKind, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Writes++
	m.artifacts[kind.Filename(domain)] = append([]byte{}, content...)

	return nil
}

func (m *MemStore) ReadExisting(_ context.Context, domain string, kind ArtifactKind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, found := m.artifacts[kind.Filename(domain)]
	if !found {
		return nil, nil
	}

	return append([]byte{}, content...), nil
}

func (m *MemStore) RemainingValidityDays(ctx context.Context, domain string, now time.Time) (int, bool, error) {
	return remainingValidityDays(ctx, m, domain, now)
}
