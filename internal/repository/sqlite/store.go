// Package sqlite contains the SQLite implementation of the registry store.
// It is the default backend of a single-user host.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/and161185/vaultbridge/internal/dbx"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/migrate"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store implements repository.Store on a database/sql SQLite handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one connection: a :memory: database is per connection and writes serialize anyway
	db.SetMaxOpenConns(1)
	if err := migrate.UpDB(ctx, db, migrate.SQLite, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LoadAll returns all source records ordered by position.
func (s *Store) LoadAll(ctx context.Context) ([]model.SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, source_credentials, archive_credentials, position, created_at
		FROM sources ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []model.SourceRecord
	for rows.Next() {
		var (
			rec     model.SourceRecord
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.SourceCredentials, &rec.ArchiveCredentials, &rec.Position, &created); err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.Status = model.StatusLocked
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source rows: %w", err)
	}
	return out, nil
}

// ReplaceAll rewrites the sources table in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, recs []model.SourceRecord) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sources`); err != nil {
			return fmt.Errorf("failed to clear sources: %w", err)
		}
		for i, rec := range recs {
			created := rec.CreatedAt
			if created.IsZero() {
				created = s.now()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sources (id, name, type, source_credentials, archive_credentials, position, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				string(rec.ID), rec.Name, string(rec.Type), string(rec.SourceCredentials), string(rec.ArchiveCredentials), i, created.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to insert source[%s]: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// PutOffline upserts the offline copy of a source.
func (s *Store) PutOffline(ctx context.Context, id model.SourceID, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offline_archives (source_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, string(id), content, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store offline copy[%s]: %w", id, err)
	}
	return nil
}

// GetOffline returns the offline copy of a source.
func (s *Store) GetOffline(ctx context.Context, id model.SourceID) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM offline_archives WHERE source_id = ?`, string(id)).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offline copy[%s]: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offline copy[%s]: %w", id, err)
	}
	return content, nil
}

// DeleteOffline removes the offline copy of a source.
func (s *Store) DeleteOffline(ctx context.Context, id model.SourceID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_archives WHERE source_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete offline copy[%s]: %w", id, err)
	}
	return nil
}
