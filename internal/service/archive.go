// Package service contains the archive manager: the single entry point for
// adding, unlocking, saving and searching sources.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/vaultbridge/internal/autoupdate"
	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/limiter"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/registry"
	"github.com/and161185/vaultbridge/internal/repository"
	"github.com/and161185/vaultbridge/internal/source"
	"github.com/and161185/vaultbridge/internal/workspace"
)

// Recorder receives operation metrics.
type Recorder interface {
	ObserveOp(op string, err error, d time.Duration)
	SetUnlocked(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOp(string, error, time.Duration) {}
func (nopRecorder) SetUnlocked(int)                        {}

// Config wires the archive manager.
type Config struct {
	Sources repository.SourceRepository // nil keeps the registry in memory
	Offline repository.OfflineRepository // nil disables offline copies
	Sealer  source.Sealer
	Opener  source.Opener
	KDF     clientcrypto.KDFParams
	Limiter limiter.Limiter // optional
	Metrics Recorder        // optional
	Log     *zap.Logger

	// AutoUnlock makes NeedsUnlock report registered sources.
	AutoUnlock bool
	// UpdateWorkers bounds parallel drift checks per auto-update run.
	UpdateWorkers int
	// Update configures the auto-update coordinator.
	Update []autoupdate.Option
}

// ArchiveService is goroutine-safe. Construct it with New and own its lifetime:
// Run drives auto-update, Close locks everything.
type ArchiveService struct {
	reg     *registry.Registry
	coord   *autoupdate.Coordinator
	deps    source.Deps
	offline repository.OfflineRepository
	lim     limiter.Limiter
	rec     Recorder
	log     *zap.Logger

	autoUnlock bool
	workers    int
}

// New constructs the service with an empty registry. Call Restore to load
// persisted sources.
func New(cfg Config) *ArchiveService {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}
	workers := cfg.UpdateWorkers
	if workers <= 0 {
		workers = 4
	}
	deps := source.Deps{Sealer: cfg.Sealer, Opener: cfg.Opener, Offline: cfg.Offline, KDF: cfg.KDF, Log: log}
	s := &ArchiveService{
		reg:        registry.New(cfg.Sources, log),
		deps:       deps,
		offline:    cfg.Offline,
		lim:        cfg.Limiter,
		rec:        rec,
		log:        log,
		autoUnlock: cfg.AutoUnlock,
		workers:    workers,
	}
	opts := append([]autoupdate.Option{autoupdate.WithLogger(log)}, cfg.Update...)
	s.coord = autoupdate.New(s.updateAll, opts...)
	return s
}

// Run drives the auto-update loop until ctx is done.
func (s *ArchiveService) Run(ctx context.Context) error { return s.coord.Start(ctx) }

// Close stops auto-update and locks every source.
func (s *ArchiveService) Close() {
	s.coord.Stop()
	for _, src := range s.reg.Sources() {
		src.Lock()
	}
	s.rec.SetUnlocked(0)
}

// Restore loads the persisted registry. All sources come back locked.
func (s *ArchiveService) Restore(ctx context.Context) (err error) {
	defer s.track("restore", "", time.Now(), &err)
	return s.coord.Interrupt(ctx, func(ctx context.Context) error {
		return s.reg.Restore(ctx, s.deps)
	})
}

// track wraps err with the operation context and records metrics.
func (s *ArchiveService) track(op string, id model.SourceID, start time.Time, err *error) {
	d := time.Since(start)
	if *err != nil {
		var opErr *errs.OpError
		if !errors.As(*err, &opErr) {
			*err = errs.Wrap(op, string(id), *err)
		}
		s.log.Warn("operation failed",
			zap.String("op", op),
			zap.String("source_id", string(id)),
			zap.String("kind", errs.Kind(*err)),
			zap.Error(*err))
	}
	s.rec.ObserveOp(op, *err, d)
	s.rec.SetUnlocked(s.UnlockedCount())
}

func (s *ArchiveService) lookup(id model.SourceID) (*source.Source, error) {
	src, ok := s.reg.Get(id)
	if !ok {
		return nil, errs.ErrSourceNotFound
	}
	return src, nil
}

// AddSourceRequest describes a new source.
type AddSourceRequest struct {
	Name            string
	Params          datasource.Params
	Password        clientcrypto.Password
	CreateIfMissing bool
}

// AddSource registers and unlocks a new source. If the first unlock fails the
// source is removed again.
func (s *ArchiveService) AddSource(ctx context.Context, req AddSourceRequest) (id model.SourceID, err error) {
	start := time.Now()
	defer func() { s.track("add source", id, start, &err) }()

	if req.Params == nil {
		return "", fmt.Errorf("missing connection params: %w", errs.ErrInvalidInput)
	}
	id, err = model.NewSourceID()
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = string(req.Params.Type())
	}
	src, err := source.Create(id, name, req.Params, req.Password, s.deps)
	if err != nil {
		return id, err
	}

	err = s.coord.Interrupt(ctx, func(ctx context.Context) error {
		if err := s.reg.Add(ctx, src); err != nil {
			return err
		}
		opts := source.UnlockOptions{CreateIfMissing: req.CreateIfMissing, StoreOfflineCopy: s.offline != nil}
		if err := src.Unlock(ctx, req.Password, opts); err != nil {
			if _, rerr := s.reg.Remove(ctx, id); rerr != nil {
				s.log.Error("rollback of failed add", zap.String("source_id", string(id)), zap.Error(rerr))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return id, err
	}
	s.log.Info("source added", zap.String("source_id", string(id)), zap.String("name", name))
	return id, nil
}

// MyButtercupArchive is one hosted archive to attach.
type MyButtercupArchive struct {
	OrgID     string `json:"orgID"`
	ArchiveID string `json:"archiveID"`
	Name      string `json:"name"`
}

// AddMyButtercupSources attaches hosted archives one after another with the
// same token. It stops at the first failure and returns the ids added so far.
func (s *ArchiveService) AddMyButtercupSources(ctx context.Context, token string, archives []MyButtercupArchive, pw clientcrypto.Password) ([]model.SourceID, error) {
	if len(archives) == 0 {
		return nil, errs.Wrap("add mybuttercup sources", "", fmt.Errorf("no archives: %w", errs.ErrInvalidInput))
	}
	ids := make([]model.SourceID, 0, len(archives))
	for _, a := range archives {
		id, err := s.AddSource(ctx, AddSourceRequest{
			Name:     a.Name,
			Params:   datasource.MyButtercupParams{Token: token, OrgID: a.OrgID, ArchiveID: a.ArchiveID},
			Password: pw,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveSource locks and unregisters a source and drops its offline copy.
func (s *ArchiveService) RemoveSource(ctx context.Context, id model.SourceID) (err error) {
	defer s.track("remove source", id, time.Now(), &err)
	err = s.coord.Interrupt(ctx, func(ctx context.Context) error {
		_, err := s.reg.Remove(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if s.offline != nil {
		if derr := s.offline.DeleteOffline(ctx, id); derr != nil {
			s.log.Warn("drop offline copy", zap.String("source_id", string(id)), zap.Error(derr))
		}
	}
	return nil
}

// UnlockSource unlocks a registered source with the master password.
//
// When the remote cannot be reached and an offline copy exists, the source is
// unlocked from that copy.
func (s *ArchiveService) UnlockSource(ctx context.Context, id model.SourceID, pw clientcrypto.Password) (err error) {
	defer s.track("unlock source", id, time.Now(), &err)
	src, err := s.lookup(id)
	if err != nil {
		return err
	}
	if s.lim != nil {
		ok, retry, lerr := s.lim.Allow(ctx, string(id))
		if lerr != nil {
			return lerr
		}
		if !ok {
			return fmt.Errorf("retry in %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
		}
	}

	err = s.coord.Interrupt(ctx, func(ctx context.Context) error {
		err := src.Unlock(ctx, pw, source.UnlockOptions{StoreOfflineCopy: s.offline != nil})
		if errors.Is(err, errs.ErrTransport) && s.offline != nil {
			content, oerr := s.offline.GetOffline(ctx, id)
			if oerr != nil {
				return err
			}
			s.log.Warn("remote unavailable, unlocking from offline copy", zap.String("source_id", string(id)), zap.Error(err))
			return src.Unlock(ctx, pw, source.UnlockOptions{ContentOverride: content})
		}
		return err
	})

	if s.lim != nil {
		switch {
		case err == nil:
			if lerr := s.lim.Success(ctx, string(id)); lerr != nil {
				s.log.Warn("limiter reset", zap.Error(lerr))
			}
		case errors.Is(err, errs.ErrInvalidCredentials):
			if blocked, _, lerr := s.lim.Failure(ctx, string(id)); lerr == nil && blocked {
				return fmt.Errorf("%w: %w", err, errs.ErrRateLimited)
			}
		}
	}
	return err
}

// LockSource discards the vault of a source.
func (s *ArchiveService) LockSource(ctx context.Context, id model.SourceID) (err error) {
	defer s.track("lock source", id, time.Now(), &err)
	src, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.coord.Interrupt(ctx, func(context.Context) error {
		src.Lock()
		return nil
	})
}

// LockAllSources locks every unlocked source.
func (s *ArchiveService) LockAllSources(ctx context.Context) (err error) {
	defer s.track("lock all sources", "", time.Now(), &err)
	return s.coord.Interrupt(ctx, func(context.Context) error {
		for _, src := range s.reg.Unlocked() {
			src.Lock()
		}
		return nil
	})
}

// SaveSource merges remote drift into the local vault and writes it back.
// Nothing is written when local and remote histories are equal.
func (s *ArchiveService) SaveSource(ctx context.Context, id model.SourceID) (err error) {
	defer s.track("save source", id, time.Now(), &err)
	src, err := s.unlocked(id)
	if err != nil {
		return err
	}
	return s.save(ctx, src)
}

// save merges remote drift into src and writes it. Callers track the operation.
func (s *ArchiveService) save(ctx context.Context, src *source.Source) error {
	return s.coord.Interrupt(ctx, func(ctx context.Context) error {
		return src.Exclusive(func(ws *workspace.Workspace) error {
			differs, err := ws.LocalDiffersFromRemote(ctx)
			if err != nil {
				return err
			}
			if !differs {
				return nil
			}
			if err := ws.MergeFromRemote(ctx); err != nil {
				return err
			}
			return ws.Save(ctx)
		})
	})
}

// unlocked returns the source if it is registered and unlocked. A locked
// source is reported as not found and as invalid state.
func (s *ArchiveService) unlocked(id model.SourceID) (*source.Source, error) {
	src, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if st := src.Status(); st != model.StatusUnlocked {
		return nil, fmt.Errorf("no unlocked source (status %s): %w: %w", st, errs.ErrSourceNotFound, errs.ErrInvalidState)
	}
	return src, nil
}

// updateAll is one auto-update run: every unlocked source whose remote drifted
// gets the remote changes merged in. Nothing is written.
func (s *ArchiveService) updateAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, src := range s.reg.Unlocked() {
		g.Go(func() error {
			err := src.Exclusive(func(ws *workspace.Workspace) error {
				differs, err := ws.LocalDiffersFromRemote(ctx)
				if err != nil || !differs {
					return err
				}
				return ws.MergeFromRemote(ctx)
			})
			if errors.Is(err, errs.ErrInvalidState) {
				// locked since the run started
				return nil
			}
			if err != nil {
				s.log.Warn("auto-update source", zap.String("source_id", string(src.ID())), zap.Error(err))
				return errs.Wrap("auto-update", string(src.ID()), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Interrupt runs fn with auto-update paused.
func (s *ArchiveService) Interrupt(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.coord.Interrupt(ctx, fn)
}
