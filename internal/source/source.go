// Package source implements a registered archive source and its lock/unlock state machine.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
	"github.com/and161185/vaultbridge/internal/workspace"
)

// Sealer encrypts and decrypts credential blobs under the master password.
type Sealer interface {
	Seal(plaintext []byte, pw clientcrypto.Password) (model.Sealed, error)
	Unseal(sealed model.Sealed, pw clientcrypto.Password) ([]byte, error)
}

// Opener builds a datasource for tagged params.
type Opener interface {
	Open(p datasource.Params) (datasource.Datasource, error)
}

// OfflineCache keeps the last fetched encrypted content of a source.
type OfflineCache interface {
	PutOffline(ctx context.Context, id model.SourceID, content []byte) error
}

// Deps are the collaborators shared by all sources.
type Deps struct {
	Sealer  Sealer
	Opener  Opener
	Offline OfflineCache // optional
	KDF     clientcrypto.KDFParams
	Log     *zap.Logger
}

// UnlockOptions tune a single unlock.
type UnlockOptions struct {
	// CreateIfMissing initializes a new empty vault when the target does not exist.
	CreateIfMissing bool
	// ContentOverride is used instead of fetching from the datasource.
	ContentOverride []byte
	// StoreOfflineCopy hands the encrypted content to the offline cache.
	StoreOfflineCopy bool
}

// Source is one registered archive. Its workspace exists iff it is unlocked.
type Source struct {
	id           model.SourceID
	name         string
	typ          model.SourceType
	sourceCreds  model.Sealed
	archiveCreds model.Sealed
	createdAt    time.Time
	deps         Deps
	log          *zap.Logger

	// op serializes workspace operations (save, merge, edits).
	op sync.Mutex

	mu      sync.RWMutex
	status  model.SourceStatus
	ws      *workspace.Workspace
	lastErr error
	gen     uint64 // bumped by Lock
}

// New constructs a locked source from sealed credentials.
func New(id model.SourceID, name string, typ model.SourceType, sourceCreds, archiveCreds model.Sealed, deps Deps) *Source {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Source{
		id:           id,
		name:         name,
		typ:          typ,
		sourceCreds:  sourceCreds,
		archiveCreds: archiveCreds,
		createdAt:    time.Now().UTC(),
		deps:         deps,
		log:          deps.Log.With(zap.String("source_id", string(id)), zap.String("source_type", string(typ))),
		status:       model.StatusLocked,
	}
}

// Create seals params and the archive credentials under pw and returns a locked source.
func Create(id model.SourceID, name string, params datasource.Params, pw clientcrypto.Password, deps Deps) (*Source, error) {
	if pw.Empty() {
		return nil, fmt.Errorf("create source: empty password: %w", errs.ErrInvalidCredentials)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("create source: %s params: %v: %w", params.Type(), err, errs.ErrInvalidInput)
	}
	raw, err := datasource.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	sc, err := deps.Sealer.Seal(raw, pw)
	if err != nil {
		return nil, fmt.Errorf("create source: seal params: %w", err)
	}
	ac, err := deps.Sealer.Seal(pw.Bytes(), pw)
	if err != nil {
		return nil, fmt.Errorf("create source: seal archive credentials: %w", err)
	}
	return New(id, name, params.Type(), sc, ac, deps), nil
}

// Rehydrate rebuilds a locked source from its persisted record.
func Rehydrate(rec model.SourceRecord, deps Deps) *Source {
	s := New(rec.ID, rec.Name, rec.Type, rec.SourceCredentials, rec.ArchiveCredentials, deps)
	if !rec.CreatedAt.IsZero() {
		s.createdAt = rec.CreatedAt
	}
	return s
}

// Dehydrate returns the persistable record. Sources always persist as locked.
func (s *Source) Dehydrate() model.SourceRecord {
	return model.SourceRecord{
		ID:                 s.id,
		Name:               s.name,
		Type:               s.typ,
		SourceCredentials:  s.sourceCreds,
		ArchiveCredentials: s.archiveCreds,
		Status:             model.StatusLocked,
		CreatedAt:          s.createdAt,
	}
}

func (s *Source) ID() model.SourceID     { return s.id }
func (s *Source) Name() string           { return s.name }
func (s *Source) Type() model.SourceType { return s.typ }

// Status returns the current lifecycle state.
func (s *Source) Status() model.SourceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the cause of the last failed unlock, if any.
func (s *Source) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Info summarizes the source.
func (s *Source) Info() model.SourceInfo {
	return model.SourceInfo{ID: s.id, Name: s.name, Type: s.typ, Status: s.Status()}
}

// Workspace returns the live workspace when unlocked.
func (s *Source) Workspace() (*workspace.Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ws, s.ws != nil
}

// Exclusive runs fn on the workspace while holding the source's operation lock.
func (s *Source) Exclusive(fn func(ws *workspace.Workspace) error) error {
	s.op.Lock()
	defer s.op.Unlock()
	ws, ok := s.Workspace()
	if !ok {
		return fmt.Errorf("source is %s: %w", s.Status(), errs.ErrInvalidState)
	}
	return fn(ws)
}

// Lock discards the workspace. It is unconditional and idempotent.
func (s *Source) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.ws = nil
	s.status = model.StatusLocked
}

// Unlock opens the vault with pw.
//
// On an unlocked source it only verifies pw. On failure the source ends locked
// (bad credentials) or in error (transport or content); it never stays unlocking.
func (s *Source) Unlock(ctx context.Context, pw clientcrypto.Password, opts UnlockOptions) error {
	if pw.Empty() {
		return fmt.Errorf("unlock: empty password: %w", errs.ErrInvalidCredentials)
	}

	s.mu.Lock()
	switch s.status {
	case model.StatusUnlocking:
		s.mu.Unlock()
		return fmt.Errorf("unlock already in progress: %w", errs.ErrInvalidState)
	case model.StatusUnlocked:
		s.mu.Unlock()
		if _, err := s.deps.Sealer.Unseal(s.archiveCreds, pw); err != nil {
			return err
		}
		return nil
	}
	s.status = model.StatusUnlocking
	gen := s.gen
	s.mu.Unlock()

	ws, err := s.open(ctx, pw, opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// locked while unlocking
		s.status = model.StatusLocked
		return fmt.Errorf("source locked during unlock: %w", errs.ErrInvalidState)
	}
	if err != nil {
		s.lastErr = err
		s.status = model.StatusError
		if errors.Is(err, errs.ErrInvalidCredentials) {
			s.status = model.StatusLocked
		}
		s.log.Warn("unlock failed", zap.String("status", string(s.status)), zap.Error(err))
		return err
	}
	s.ws = ws
	s.lastErr = nil
	s.status = model.StatusUnlocked
	s.log.Info("source unlocked")
	return nil
}

func (s *Source) open(ctx context.Context, pw clientcrypto.Password, opts UnlockOptions) (*workspace.Workspace, error) {
	raw, err := s.deps.Sealer.Unseal(s.sourceCreds, pw)
	if err != nil {
		return nil, err
	}
	params, err := datasource.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	ds, err := s.deps.Opener.Open(params)
	if err != nil {
		return nil, err
	}

	content := opts.ContentOverride
	if content == nil {
		content, err = ds.Load(ctx)
		if errors.Is(err, errs.ErrNotFound) && opts.CreateIfMissing {
			return s.initialize(ctx, ds, pw)
		}
		if err != nil {
			return nil, err
		}
	}

	v, key, err := vault.Decrypt(content, pw)
	if err != nil {
		return nil, err
	}
	if opts.StoreOfflineCopy && s.deps.Offline != nil {
		if err := s.deps.Offline.PutOffline(ctx, s.id, content); err != nil {
			s.log.Warn("store offline copy", zap.Error(err))
		}
	}
	return workspace.New(ds, v, key), nil
}

func (s *Source) initialize(ctx context.Context, ds datasource.Datasource, pw clientcrypto.Password) (*workspace.Workspace, error) {
	v, err := vault.NewWithDefaults()
	if err != nil {
		return nil, err
	}
	kdf := s.deps.KDF
	if kdf == (clientcrypto.KDFParams{}) {
		kdf = clientcrypto.DefaultParams
	}
	key, err := vault.NewKey(pw, kdf)
	if err != nil {
		return nil, err
	}
	ws := workspace.New(ds, v, key)
	if err := ws.Save(ctx); err != nil {
		return nil, err
	}
	s.log.Info("initialized new archive", zap.String("archive_id", v.ID()))
	return ws, nil
}
