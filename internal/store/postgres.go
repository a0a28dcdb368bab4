package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the tables used by PostgresRepository.
const Schema = `
CREATE TABLE IF NOT EXISTS module_documents (
	name       TEXT PRIMARY KEY,
	content    JSON NOT NULL,
	revision   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS module_backups (
	name       TEXT PRIMARY KEY,
	content    JSON NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const documentName = "modules"

// Querier is the subset of *pgxpool.Pool used by PostgresRepository.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository keeps the document as a single row with a revision
// column. JSON (not JSONB) columns keep the stored bytes verbatim.
type PostgresRepository struct {
	db Querier
}

// NewPostgresRepository creates a repository over db.
func NewPostgresRepository(db Querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate module tables: %w", err)
	}
	return nil
}

// Read returns the document row.
func (r *PostgresRepository) Read(ctx context.Context) ([]byte, Revision, error) {
	var data []byte
	var rev int64
	err := r.db.QueryRow(ctx,
		`SELECT content, revision FROM module_documents WHERE name = $1`,
		documentName,
	).Scan(&data, &rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotExist
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query module document: %w", err)
	}
	return data, Revision(rev), nil
}

// Write upserts the document row. With an expected revision the update is
// conditional on the stored revision.
func (r *PostgresRepository) Write(ctx context.Context, data []byte, expect Revision) (Revision, error) {
	var rev int64
	var err error

	if expect == AnyRevision {
		err = r.db.QueryRow(ctx, `
			INSERT INTO module_documents (name, content, revision, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (name) DO UPDATE SET
				content = EXCLUDED.content,
				revision = module_documents.revision + 1,
				updated_at = now()
			RETURNING revision`,
			documentName, string(data),
		).Scan(&rev)
		if err != nil {
			return 0, fmt.Errorf("upsert module document: %w", err)
		}
		return Revision(rev), nil
	}

	err = r.db.QueryRow(ctx, `
		UPDATE module_documents SET
			content = $2,
			revision = revision + 1,
			updated_at = now()
		WHERE name = $1 AND revision = $3
		RETURNING revision`,
		documentName, string(data), int64(expect),
	).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		_, current, readErr := r.Read(ctx)
		if readErr != nil && !errors.Is(readErr, ErrNotExist) {
			return 0, readErr
		}
		return current, conflictError(expect, current)
	}
	if err != nil {
		return 0, fmt.Errorf("update module document: %w", err)
	}
	return Revision(rev), nil
}

// Create inserts the document row only if none exists.
func (r *PostgresRepository) Create(ctx context.Context, data []byte) (Revision, error) {
	var rev int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO module_documents (name, content, revision, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (name) DO NOTHING
		RETURNING revision`,
		documentName, string(data),
	).Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		_, current, readErr := r.Read(ctx)
		if readErr != nil {
			return 0, readErr
		}
		return current, conflictError(AnyRevision, current)
	}
	if err != nil {
		return 0, fmt.Errorf("insert module document: %w", err)
	}
	return Revision(rev), nil
}

// CreateBackup inserts a snapshot row.
func (r *PostgresRepository) CreateBackup(ctx context.Context, name string, data []byte) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO module_backups (name, content) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`,
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert module backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBackupExists
	}
	return nil
}

// ListBackups returns every snapshot name.
func (r *PostgresRepository) ListBackups(ctx context.Context) ([]string, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(json_agg(name ORDER BY name DESC), '[]'::json) FROM module_backups`,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("list module backups: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode backup names: %w", err)
	}
	return names, nil
}

// ReadBackup returns a snapshot row.
func (r *PostgresRepository) ReadBackup(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx,
		`SELECT content FROM module_backups WHERE name = $1`,
		name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query module backup: %w", err)
	}
	return data, nil
}
