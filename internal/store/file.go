package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileRepository keeps the document in a single JSON file and each backup in
// its own file under a backups directory.
//
// Revisions are tracked in process: the counter advances on every write made
// through the repository and whenever a read observes content that differs
// from the last content it saw, so edits made by other processes are
// detected lazily.
type FileRepository struct {
	mu         sync.Mutex
	path       string
	backupsDir string
	rev        Revision
	sum        [sha256.Size]byte
}

// NewFileRepository creates the parent directories and seeds the revision
// from the current file, if any.
func NewFileRepository(path, backupsDir string) (*FileRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create document directory: %w", err)
	}
	if backupsDir != "" {
		if err := os.MkdirAll(backupsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create backups directory: %w", err)
		}
	}

	r := &FileRepository{path: path, backupsDir: backupsDir}
	if _, err := r.syncLocked(); err != nil && !errors.Is(err, ErrNotExist) {
		return nil, err
	}
	return r, nil
}

// Path returns the document file path.
func (r *FileRepository) Path() string { return r.path }

// Read returns the file contents.
func (r *FileRepository) Read(_ context.Context) ([]byte, Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.syncLocked()
	if err != nil {
		return nil, 0, err
	}
	return data, r.rev, nil
}

// Refresh re-reads the file and reports whether its content changed since it
// was last seen.
func (r *FileRepository) Refresh() (Revision, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.rev
	if _, err := r.syncLocked(); err != nil && !errors.Is(err, ErrNotExist) {
		return before, false, err
	}
	return r.rev, r.rev != before, nil
}

// syncLocked reads the file and advances the revision if its content is new.
func (r *FileRepository) syncLocked() ([]byte, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	if sum := sha256.Sum256(data); r.rev == 0 || sum != r.sum {
		r.sum = sum
		r.rev++
	}
	return data, nil
}

// Write atomically replaces the file by writing a temporary file in the same
// directory and renaming it over the document.
func (r *FileRepository) Write(_ context.Context, data []byte, expect Revision) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expect != AnyRevision {
		if _, err := r.syncLocked(); err != nil && !errors.Is(err, ErrNotExist) {
			return r.rev, err
		}
		if expect != r.rev {
			return r.rev, conflictError(expect, r.rev)
		}
	}

	if err := writeFileAtomic(r.path, data); err != nil {
		return r.rev, err
	}
	r.sum = sha256.Sum256(data)
	r.rev++
	return r.rev, nil
}

// Create writes the file only if it does not exist yet.
func (r *FileRepository) Create(_ context.Context, data []byte) (Revision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.syncLocked()
	if err == nil {
		return r.rev, conflictError(AnyRevision, r.rev)
	}
	if !errors.Is(err, ErrNotExist) {
		return r.rev, err
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return r.rev, err
	}
	r.sum = sha256.Sum256(data)
	r.rev++
	return r.rev, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".modules-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// CreateBackup writes a new snapshot file. Existing files are never
// overwritten.
func (r *FileRepository) CreateBackup(_ context.Context, name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(r.backupsDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrBackupExists
	}
	if err != nil {
		return fmt.Errorf("create backup %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write backup %s: %w", name, err)
	}
	return f.Close()
}

// ListBackups returns the snapshot file names in the backups directory.
func (r *FileRepository) ListBackups(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.backupsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && validBackupName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReadBackup returns a snapshot file's contents.
func (r *FileRepository) ReadBackup(_ context.Context, name string) ([]byte, error) {
	if !validBackupName(name) {
		return nil, ErrBackupNotFound
	}
	data, err := os.ReadFile(filepath.Join(r.backupsDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", name, err)
	}
	return data, nil
}
