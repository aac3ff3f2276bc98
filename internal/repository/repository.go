// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/vaultbridge/internal/model"
)

// SourceRepository persists the dehydrated source registry.
type SourceRepository interface {
	// LoadAll returns all records ordered by registry position.
	LoadAll(ctx context.Context) ([]model.SourceRecord, error)
	// ReplaceAll stores recs as the complete registry, in order.
	ReplaceAll(ctx context.Context, recs []model.SourceRecord) error
}

// OfflineRepository keeps the last fetched encrypted archive of each source.
type OfflineRepository interface {
	// PutOffline stores content for id, replacing any previous copy.
	PutOffline(ctx context.Context, id model.SourceID, content []byte) error
	// GetOffline returns the stored copy or errs.ErrNotFound.
	GetOffline(ctx context.Context, id model.SourceID) ([]byte, error)
	// DeleteOffline drops the copy for id. Missing copies are not an error.
	DeleteOffline(ctx context.Context, id model.SourceID) error
}

// Store bundles both repositories of one backend.
type Store interface {
	SourceRepository
	OfflineRepository
	Close() error
}
