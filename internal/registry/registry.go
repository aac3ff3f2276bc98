// Package registry keeps the ordered set of registered sources and persists
// their dehydrated form.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/repository"
	"github.com/and161185/vaultbridge/internal/source"
)

// Registry is an ordered, goroutine-safe collection of sources keyed by id.
type Registry struct {
	store repository.SourceRepository // nil keeps the registry in memory
	log   *zap.Logger

	// wmu serializes mutations together with their persistence
	wmu sync.Mutex

	mu    sync.RWMutex
	order []*source.Source
	byID  map[model.SourceID]*source.Source
}

// New constructs an empty registry.
func New(store repository.SourceRepository, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{store: store, log: log, byID: map[model.SourceID]*source.Source{}}
}

// Add registers s at the end of the order and persists the registry.
// A persistence failure leaves the registry unchanged.
func (r *Registry) Add(ctx context.Context, s *source.Source) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if _, ok := r.byID[s.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("source %s: %w", s.ID(), errs.ErrDuplicateSource)
	}
	r.order = append(r.order, s)
	r.byID[s.ID()] = s
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		r.drop(s.ID())
		r.mu.Unlock()
		return err
	}
	r.log.Info("source added", zap.String("source_id", string(s.ID())), zap.String("source_type", string(s.Type())))
	return nil
}

// Remove locks and unregisters a source and persists the registry.
func (r *Registry) Remove(ctx context.Context, id model.SourceID) (*source.Source, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("source %s: %w", id, errs.ErrSourceNotFound)
	}
	idx := r.drop(id)
	r.mu.Unlock()

	s.Lock()
	if err := r.persist(ctx); err != nil {
		r.mu.Lock()
		r.order = append(r.order[:idx], append([]*source.Source{s}, r.order[idx:]...)...)
		r.byID[id] = s
		r.mu.Unlock()
		return nil, err
	}
	r.log.Info("source removed", zap.String("source_id", string(id)))
	return s, nil
}

// drop removes id from the order and returns its former index. Callers hold mu.
func (r *Registry) drop(id model.SourceID) int {
	delete(r.byID, id)
	for i, s := range r.order {
		if s.ID() == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return i
		}
	}
	return len(r.order)
}

// Get returns the source with id. Absence is reported through ok.
func (r *Registry) Get(id model.SourceID) (*source.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Sources returns all sources in registration order.
func (r *Registry) Sources() []*source.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*source.Source(nil), r.order...)
}

// Unlocked returns the unlocked sources in registration order.
func (r *Registry) Unlocked() []*source.Source {
	var out []*source.Source
	for _, s := range r.Sources() {
		if s.Status() == model.StatusUnlocked {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Dehydrate returns the persistable records in order. Unlocked sources appear locked.
func (r *Registry) Dehydrate() []model.SourceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SourceRecord, 0, len(r.order))
	for i, s := range r.order {
		rec := s.Dehydrate()
		rec.Position = i
		out = append(out, rec)
	}
	return out
}

// Restore replaces the registry content with the persisted records, all locked.
func (r *Registry) Restore(ctx context.Context, deps source.Deps) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.order {
		s.Lock()
	}
	r.order = r.order[:0]
	r.byID = make(map[model.SourceID]*source.Source, len(recs))
	for _, rec := range recs {
		if _, dup := r.byID[rec.ID]; dup {
			r.log.Warn("skipping duplicate persisted source", zap.String("source_id", string(rec.ID)))
			continue
		}
		s := source.Rehydrate(rec, deps)
		r.order = append(r.order, s)
		r.byID[rec.ID] = s
	}
	r.log.Info("registry restored", zap.Int("sources", len(r.order)))
	return nil
}

func (r *Registry) persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.ReplaceAll(ctx, r.Dehydrate()); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
