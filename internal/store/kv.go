package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	kvDocumentKey  = "document"
	kvBackupPrefix = "backups."
)

// KVRepository keeps the document and its backups in a JetStream key-value
// bucket. The bucket's per-key revision is the document revision, so
// conditional writes map onto KeyValue.Update.
type KVRepository struct {
	kv jetstream.KeyValue
}

// NewKVRepository opens the named bucket, creating it if needed.
func NewKVRepository(ctx context.Context, js jetstream.JetStream, bucket string) (*KVRepository, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Module configuration document and backups",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return &KVRepository{kv: kv}, nil
}

// Read returns the document entry.
func (r *KVRepository) Read(ctx context.Context) ([]byte, Revision, error) {
	entry, err := r.kv.Get(ctx, kvDocumentKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get document: %w", err)
	}
	return entry.Value(), Revision(entry.Revision()), nil
}

// Write puts the document, using a revision-checked update when expect is
// set.
func (r *KVRepository) Write(ctx context.Context, data []byte, expect Revision) (Revision, error) {
	if expect == AnyRevision {
		rev, err := r.kv.Put(ctx, kvDocumentKey, data)
		if err != nil {
			return 0, fmt.Errorf("put document: %w", err)
		}
		return Revision(rev), nil
	}

	rev, err := r.kv.Update(ctx, kvDocumentKey, data, uint64(expect))
	if err != nil {
		_, current, readErr := r.Read(ctx)
		if readErr != nil && !errors.Is(readErr, ErrNotExist) {
			return 0, fmt.Errorf("update document: %w", err)
		}
		if current != expect {
			return current, conflictError(expect, current)
		}
		return current, fmt.Errorf("update document: %w", err)
	}
	return Revision(rev), nil
}

// Create stores the document key only if it is absent.
func (r *KVRepository) Create(ctx context.Context, data []byte) (Revision, error) {
	rev, err := r.kv.Create(ctx, kvDocumentKey, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		_, current, readErr := r.Read(ctx)
		if readErr != nil {
			return 0, fmt.Errorf("create document: %w", readErr)
		}
		return current, conflictError(AnyRevision, current)
	}
	if err != nil {
		return 0, fmt.Errorf("create document: %w", err)
	}
	return Revision(rev), nil
}

// CreateBackup stores the snapshot under a backups key. Create refuses to
// overwrite an existing key.
func (r *KVRepository) CreateBackup(ctx context.Context, name string, data []byte) error {
	if _, err := r.kv.Create(ctx, kvBackupPrefix+name, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrBackupExists
		}
		return fmt.Errorf("create backup %s: %w", name, err)
	}
	return nil
}

// ListBackups returns the names of every backups key.
func (r *KVRepository) ListBackups(ctx context.Context) ([]string, error) {
	keys, err := r.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var names []string
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, kvBackupPrefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// ReadBackup returns a snapshot.
func (r *KVRepository) ReadBackup(ctx context.Context, name string) ([]byte, error) {
	entry, err := r.kv.Get(ctx, kvBackupPrefix+name)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", name, err)
	}
	return entry.Value(), nil
}
