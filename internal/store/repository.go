// Package store persists the module document and its backups, and implements
// the read-modify-write mutations on top of a pluggable ConfigRepository.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Revision identifies a stored version of the document. Revisions increase
// with every write. Zero means "no document yet" when read and "any revision"
// when passed as the expected revision of a write.
type Revision uint64

// AnyRevision disables the optimistic revision check on Write.
const AnyRevision Revision = 0

var (
	// ErrNotExist is returned by Read when no document has been stored.
	ErrNotExist = errors.New("store: document does not exist")

	// ErrRevisionConflict is returned by Write when the expected revision
	// does not match the stored one.
	ErrRevisionConflict = errors.New("store: revision conflict")

	// ErrBackupNotFound is returned by ReadBackup for unknown names.
	ErrBackupNotFound = errors.New("store: backup not found")

	// ErrBackupExists is returned by CreateBackup when the name is taken.
	ErrBackupExists = errors.New("store: backup already exists")
)

// ConfigRepository persists the raw bytes of the single module document and
// its immutable backups. Implementations do not interpret the bytes.
type ConfigRepository interface {
	// Read returns the live document and its revision, or ErrNotExist.
	Read(ctx context.Context) ([]byte, Revision, error)

	// Write replaces the live document. When expect is not AnyRevision and
	// differs from the stored revision, ErrRevisionConflict is returned and
	// nothing is written.
	Write(ctx context.Context, data []byte, expect Revision) (Revision, error)

	// Create stores the first document. When a document already exists it
	// returns ErrRevisionConflict and the stored revision, and writes nothing.
	Create(ctx context.Context, data []byte) (Revision, error)

	// CreateBackup stores an immutable snapshot under name, or returns
	// ErrBackupExists.
	CreateBackup(ctx context.Context, name string, data []byte) error

	// ListBackups returns every snapshot name in any order.
	ListBackups(ctx context.Context) ([]string, error)

	// ReadBackup returns a snapshot, or ErrBackupNotFound.
	ReadBackup(ctx context.Context, name string) ([]byte, error)
}

const (
	backupPrefix = "modules-"
	backupSuffix = ".json"
)

// BackupName derives the path-safe snapshot name for t, for example
// "modules-2026-10-17T09-30-00.123Z.json". Names sort chronologically.
func BackupName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15-04-05.000Z")
	return backupPrefix + stamp + backupSuffix
}

// validBackupName rejects anything that is not a bare snapshot file name.
func validBackupName(name string) bool {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// sortNewestFirst orders snapshot names descending, which is newest first
// for names produced by BackupName.
func sortNewestFirst(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if validBackupName(n) {
			out = append(out, n)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out
}

func conflictError(expect, actual Revision) error {
	return fmt.Errorf("%w: expected %d, stored %d", ErrRevisionConflict, expect, actual)
}
