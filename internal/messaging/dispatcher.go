package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/internal/convert"
	"github.com/and161185/vaultbridge/internal/crypto/clientcrypto"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/finder"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/service"
	"github.com/and161185/vaultbridge/internal/vault"
)

// Archives is the part of the archive manager the dispatcher drives.
type Archives interface {
	AddSource(ctx context.Context, req service.AddSourceRequest) (model.SourceID, error)
	AddMyButtercupSources(ctx context.Context, token string, archives []service.MyButtercupArchive, pw clientcrypto.Password) ([]model.SourceID, error)
	RemoveSource(ctx context.Context, id model.SourceID) error
	UnlockSource(ctx context.Context, id model.SourceID, pw clientcrypto.Password) error
	LockSource(ctx context.Context, id model.SourceID) error
	LockAllSources(ctx context.Context) error
	SaveSource(ctx context.Context, id model.SourceID) error
	SearchByTerm(term string) []finder.Result
	SearchByURL(rawURL string) []finder.Result
	UnlockedCount() int
	ListSources() []model.SourceInfo
	SourceName(id model.SourceID) (string, error)
	GetEntry(id model.SourceID, entryID string) (vault.Entry, error)
	EntryPath(id model.SourceID, entryID string) ([]string, error)
	AddEntry(ctx context.Context, id model.SourceID, ne service.NewEntry) (string, error)
	ArchiveGroups(id model.SourceID) ([]vault.Group, error)
	EntryLoginURL(id model.SourceID, entryID string) (string, error)
	NeedsUnlock() bool
}

var _ Archives = (*service.ArchiveService)(nil)

type handlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Dispatcher maps request types to archive manager calls. It is safe for
// concurrent use.
type Dispatcher struct {
	archives Archives
	log      *zap.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher constructs a dispatcher over the archive manager.
func NewDispatcher(a Archives, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{archives: a, log: log}
	d.handlers = map[string]handlerFunc{
		TypeAddArchive:             d.addArchive,
		TypeRemoveSource:           d.removeSource,
		TypeUnlockSource:           d.unlockSource,
		TypeLockSource:             d.lockSource,
		TypeLockAllSources:         d.lockAllSources,
		TypeSaveSource:             d.saveSource,
		TypeSearchEntriesForTerm:   d.searchForTerm,
		TypeSearchEntriesForURL:    d.searchForURL,
		TypeGetUnlockedCount:       d.unlockedCount,
		TypeListSources:            d.listSources,
		TypeGetSourceName:          d.sourceName,
		TypeGetEntry:               d.getEntry,
		TypeAddEntry:               d.addEntry,
		TypeGetArchiveGroups:       d.archiveGroups,
		TypeGetEntryLoginURL:       d.entryLoginURL,
		TypeCheckUnlockPossibility: d.checkUnlockPossibility,
	}
	return d
}

// Handle runs one request. Failures are reported in the response, never as a
// Go error; payloads are not logged.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	start := time.Now()
	resp := &Response{ID: req.ID}

	h, ok := d.handlers[req.Type]
	var (
		data any
		err  error
	)
	if !ok {
		err = fmt.Errorf("%q: %w", req.Type, ErrUnknownRequest)
	} else {
		data, err = h(ctx, req.Payload)
	}
	if err == nil && data != nil {
		resp.Data, err = json.Marshal(data)
	}

	if err != nil {
		resp.Error = &ErrorBody{Kind: errs.Kind(err), Message: err.Error()}
		d.log.Debug("request failed",
			zap.String("type", req.Type),
			zap.String("kind", resp.Error.Kind),
			zap.Duration("dur", time.Since(start)))
		return resp
	}
	resp.OK = true
	d.log.Debug("request handled", zap.String("type", req.Type), zap.Duration("dur", time.Since(start)))
	return resp
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("payload: %v: %w", err, errs.ErrInvalidInput)
	}
	return v, nil
}

func requireSource(id model.SourceID) error {
	if id == "" {
		return fmt.Errorf("missing sourceID: %w", errs.ErrInvalidInput)
	}
	return nil
}

func (d *Dispatcher) addArchive(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[AddArchivePayload](payload)
	if err != nil {
		return nil, err
	}
	pw := clientcrypto.NewPassword(p.MasterPassword)

	if p.MyButtercup != nil {
		ids, err := d.archives.AddMyButtercupSources(ctx, p.MyButtercup.Token, p.MyButtercup.Archives, pw)
		if err != nil {
			return nil, err
		}
		return AddArchiveResult{SourceIDs: ids}, nil
	}

	params, err := convert.FromSourceSpec(p.Source)
	if err != nil {
		return nil, err
	}
	id, err := d.archives.AddSource(ctx, service.AddSourceRequest{
		Name:            p.Name,
		Params:          params,
		Password:        pw,
		CreateIfMissing: p.CreateNew,
	})
	if err != nil {
		return nil, err
	}
	return AddArchiveResult{SourceIDs: []model.SourceID{id}}, nil
}

// sourceOp adapts an operation that only needs a source id.
func sourceOp(payload json.RawMessage, fn func(model.SourceID) error) (any, error) {
	p, err := decode[SourcePayload](payload)
	if err != nil {
		return nil, err
	}
	if err := requireSource(p.SourceID); err != nil {
		return nil, err
	}
	return nil, fn(p.SourceID)
}

func (d *Dispatcher) removeSource(ctx context.Context, payload json.RawMessage) (any, error) {
	return sourceOp(payload, func(id model.SourceID) error { return d.archives.RemoveSource(ctx, id) })
}

func (d *Dispatcher) lockSource(ctx context.Context, payload json.RawMessage) (any, error) {
	return sourceOp(payload, func(id model.SourceID) error { return d.archives.LockSource(ctx, id) })
}

func (d *Dispatcher) saveSource(ctx context.Context, payload json.RawMessage) (any, error) {
	return sourceOp(payload, func(id model.SourceID) error { return d.archives.SaveSource(ctx, id) })
}

func (d *Dispatcher) unlockSource(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[UnlockPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := requireSource(p.SourceID); err != nil {
		return nil, err
	}
	return nil, d.archives.UnlockSource(ctx, p.SourceID, clientcrypto.NewPassword(p.MasterPassword))
}

func (d *Dispatcher) lockAllSources(ctx context.Context, _ json.RawMessage) (any, error) {
	return nil, d.archives.LockAllSources(ctx)
}

func (d *Dispatcher) searchForTerm(_ context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[TermPayload](payload)
	if err != nil {
		return nil, err
	}
	return EntriesResult{Entries: convert.ToEntryObjects(d.archives.SearchByTerm(p.Term))}, nil
}

func (d *Dispatcher) searchForURL(_ context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[URLPayload](payload)
	if err != nil {
		return nil, err
	}
	return EntriesResult{Entries: convert.ToEntryObjects(d.archives.SearchByURL(p.URL))}, nil
}

func (d *Dispatcher) unlockedCount(context.Context, json.RawMessage) (any, error) {
	return CountResult{Count: d.archives.UnlockedCount()}, nil
}

func (d *Dispatcher) listSources(context.Context, json.RawMessage) (any, error) {
	return SourcesResult{Sources: convert.ToSourceObjects(d.archives.ListSources())}, nil
}

func (d *Dispatcher) sourceName(_ context.Context, payload json.RawMessage) (any, error) {
	var name string
	_, err := sourceOp(payload, func(id model.SourceID) error {
		var err error
		name, err = d.archives.SourceName(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return NameResult{Name: name}, nil
}

func (d *Dispatcher) entryPayload(payload json.RawMessage) (EntryPayload, error) {
	p, err := decode[EntryPayload](payload)
	if err != nil {
		return p, err
	}
	if err := requireSource(p.SourceID); err != nil {
		return p, err
	}
	if p.EntryID == "" {
		return p, fmt.Errorf("missing entryID: %w", errs.ErrInvalidInput)
	}
	return p, nil
}

func (d *Dispatcher) getEntry(_ context.Context, payload json.RawMessage) (any, error) {
	p, err := d.entryPayload(payload)
	if err != nil {
		return nil, err
	}
	e, err := d.archives.GetEntry(p.SourceID, p.EntryID)
	if err != nil {
		return nil, err
	}
	path, err := d.archives.EntryPath(p.SourceID, p.EntryID)
	if err != nil {
		return nil, err
	}
	return EntryResult{Entry: convert.ToEntryObject(p.SourceID, "", e), Path: path}, nil
}

func (d *Dispatcher) addEntry(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[AddEntryPayload](payload)
	if err != nil {
		return nil, err
	}
	if err := requireSource(p.SourceID); err != nil {
		return nil, err
	}
	id, err := d.archives.AddEntry(ctx, p.SourceID, p.NewEntry)
	if err != nil {
		return nil, err
	}
	return EntryIDResult{EntryID: id}, nil
}

func (d *Dispatcher) archiveGroups(_ context.Context, payload json.RawMessage) (any, error) {
	var groups []vault.Group
	_, err := sourceOp(payload, func(id model.SourceID) error {
		var err error
		groups, err = d.archives.ArchiveGroups(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return GroupsResult{Groups: convert.ToGroupTree(groups)}, nil
}

func (d *Dispatcher) entryLoginURL(_ context.Context, payload json.RawMessage) (any, error) {
	p, err := d.entryPayload(payload)
	if err != nil {
		return nil, err
	}
	u, err := d.archives.EntryLoginURL(p.SourceID, p.EntryID)
	if err != nil {
		return nil, err
	}
	return URLResult{URL: u}, nil
}

func (d *Dispatcher) checkUnlockPossibility(context.Context, json.RawMessage) (any, error) {
	return UnlockPossibilityResult{NeedsUnlock: d.archives.NeedsUnlock()}, nil
}

// IsKind reports whether a failed response carries the kind of target.
func IsKind(resp *Response, target error) bool {
	if resp == nil || resp.Error == nil {
		return false
	}
	return resp.Error.Kind == errs.Kind(target)
}
