package store

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process ConfigRepository for tests and
// ephemeral deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	data    []byte
	rev     Revision
	backups map[string][]byte
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{backups: make(map[string][]byte)}
}

// Read returns a copy of the live document.
func (r *MemoryRepository) Read(_ context.Context) ([]byte, Revision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.rev == 0 {
		return nil, 0, ErrNotExist
	}
	return append([]byte(nil), r.data...), r.rev, nil
}

// Write replaces the live document with optimistic revision checking.
func (r *MemoryRepository) Write(_ context.Context, data []byte, expect Revision) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expect != AnyRevision && expect != r.rev {
		return r.rev, conflictError(expect, r.rev)
	}
	r.data = append([]byte(nil), data...)
	r.rev++
	return r.rev, nil
}

// Create stores data only if no document exists yet.
func (r *MemoryRepository) Create(_ context.Context, data []byte) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rev != 0 {
		return r.rev, conflictError(AnyRevision, r.rev)
	}
	r.data = append([]byte(nil), data...)
	r.rev++
	return r.rev, nil
}

// CreateBackup stores a copy of data under name.
func (r *MemoryRepository) CreateBackup(_ context.Context, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backups[name]; exists {
		return ErrBackupExists
	}
	r.backups[name] = append([]byte(nil), data...)
	return nil
}

// ListBackups returns the stored snapshot names.
func (r *MemoryRepository) ListBackups(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backups))
	for name := range r.backups {
		names = append(names, name)
	}
	return names, nil
}

// ReadBackup returns a copy of the named snapshot.
func (r *MemoryRepository) ReadBackup(_ context.Context, name string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.backups[name]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return append([]byte(nil), data...), nil
}

// Corrupt replaces the live document with arbitrary bytes without touching
// the revision. It exists to exercise corruption handling.
func (r *MemoryRepository) Corrupt(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = append([]byte(nil), data...)
	if r.rev == 0 {
		r.rev = 1
	}
}
