package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store implements repository.Store using PostgreSQL.
type Store struct{ db *DB }

// NewStore constructs a store on an open pool.
func NewStore(db *DB) *Store { return &Store{db: db} }

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// LoadAll returns all source records ordered by position.
func (s *Store) LoadAll(ctx context.Context) ([]model.SourceRecord, error) {
	const q = `
SELECT id, name, type, source_credentials, archive_credentials, position, created_at
FROM sources ORDER BY position`
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SourceRecord
	for rows.Next() {
		var (
			id, name, typ, sc, ac string
			pos                   int
			created               time.Time
		)
		if err := rows.Scan(&id, &name, &typ, &sc, &ac, &pos, &created); err != nil {
			return nil, err
		}
		out = append(out, model.SourceRecord{
			ID:                 model.SourceID(id),
			Name:               name,
			Type:               model.SourceType(typ),
			SourceCredentials:  model.Sealed(sc),
			ArchiveCredentials: model.Sealed(ac),
			Status:             model.StatusLocked,
			Position:           pos,
			CreatedAt:          created.UTC(),
		})
	}
	return out, rows.Err()
}

// ReplaceAll rewrites the sources table in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, recs []model.SourceRecord) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const del = `DELETE FROM sources`
	const ins = `
INSERT INTO sources (id, name, type, source_credentials, archive_credentials, position, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err = tx.Exec(ctx, del); err != nil {
		return err
	}
	for i, rec := range recs {
		created := rec.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err = tx.Exec(ctx, ins, string(rec.ID), rec.Name, string(rec.Type),
			string(rec.SourceCredentials), string(rec.ArchiveCredentials), i, created)
		if isUniqueViolation(err) {
			return fmt.Errorf("source[%s]: %w", rec.ID, errs.ErrDuplicateSource)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// PutOffline upserts the offline copy of a source.
func (s *Store) PutOffline(ctx context.Context, id model.SourceID, content []byte) error {
	const q = `
INSERT INTO offline_archives (source_id, content, updated_at) VALUES ($1, $2, now())
ON CONFLICT (source_id) DO UPDATE SET content=EXCLUDED.content, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, string(id), content)
	return err
}

// GetOffline returns the offline copy of a source or errs.ErrNotFound.
func (s *Store) GetOffline(ctx context.Context, id model.SourceID) ([]byte, error) {
	const q = `SELECT content FROM offline_archives WHERE source_id=$1`
	var content []byte
	err := s.db.Pool.QueryRow(ctx, q, string(id)).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// DeleteOffline removes the offline copy of a source.
func (s *Store) DeleteOffline(ctx context.Context, id model.SourceID) error {
	const q = `DELETE FROM offline_archives WHERE source_id=$1`
	_, err := s.db.Pool.Exec(ctx, q, string(id))
	return err
}
