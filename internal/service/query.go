package service

import (
	"fmt"

	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/finder"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
)

// targets snapshots the vaults of unlocked sources in registry order.
func (s *ArchiveService) targets() []finder.Target {
	var out []finder.Target
	for _, src := range s.reg.Unlocked() {
		ws, ok := src.Workspace()
		if !ok {
			continue
		}
		out = append(out, finder.Target{SourceID: src.ID(), Vault: ws.Vault()})
	}
	return out
}

// SearchByTerm searches titles, usernames and URLs of all unlocked sources.
func (s *ArchiveService) SearchByTerm(term string) []finder.Result {
	return finder.Search(s.targets(), term)
}

// SearchByURL returns entries on the same registrable domain as rawURL.
func (s *ArchiveService) SearchByURL(rawURL string) []finder.Result {
	return finder.MatchURL(s.targets(), rawURL)
}

// UnlockedCount returns the number of unlocked sources.
func (s *ArchiveService) UnlockedCount() int { return len(s.reg.Unlocked()) }

// ListSources summarizes all sources in registry order.
func (s *ArchiveService) ListSources() []model.SourceInfo {
	srcs := s.reg.Sources()
	out := make([]model.SourceInfo, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, src.Info())
	}
	return out
}

// SourceName returns the label of a source.
func (s *ArchiveService) SourceName(id model.SourceID) (string, error) {
	src, err := s.lookup(id)
	if err != nil {
		return "", errs.Wrap("get source name", string(id), err)
	}
	return src.Name(), nil
}

// NeedsUnlock reports whether the UI should prompt for unlocking on startup.
func (s *ArchiveService) NeedsUnlock() bool {
	return s.autoUnlock && s.reg.Len() > 0 && s.UnlockedCount() == 0
}

func (s *ArchiveService) vault(op string, id model.SourceID) (*vault.Vault, error) {
	src, err := s.unlocked(id)
	if err != nil {
		return nil, errs.Wrap(op, string(id), err)
	}
	ws, ok := src.Workspace()
	if !ok {
		return nil, errs.Wrap(op, string(id), errs.ErrInvalidState)
	}
	return ws.Vault(), nil
}

func (s *ArchiveService) entry(op string, id model.SourceID, entryID string) (*vault.Vault, vault.Entry, error) {
	v, err := s.vault(op, id)
	if err != nil {
		return nil, vault.Entry{}, err
	}
	e, ok := v.Entry(entryID)
	if !ok {
		return nil, vault.Entry{}, errs.Wrap(op, string(id), fmt.Errorf("entry %s: %w", entryID, errs.ErrNotFound))
	}
	return v, e, nil
}

// GetEntry returns a copy of an entry of an unlocked source.
func (s *ArchiveService) GetEntry(id model.SourceID, entryID string) (vault.Entry, error) {
	_, e, err := s.entry("get entry", id, entryID)
	return e, err
}

// ArchiveGroups returns the group tree of an unlocked source, without entries.
func (s *ArchiveService) ArchiveGroups(id model.SourceID) ([]vault.Group, error) {
	v, err := s.vault("get archive groups", id)
	if err != nil {
		return nil, err
	}
	return v.Groups(), nil
}

// EntryPath returns the group titles from the root down to the entry's group.
func (s *ArchiveService) EntryPath(id model.SourceID, entryID string) ([]string, error) {
	v, _, err := s.entry("get entry path", id, entryID)
	if err != nil {
		return nil, err
	}
	path, _ := v.EntryPath(entryID)
	return path, nil
}

// EntryLoginURL returns the entry URL, defaulting to https.
func (s *ArchiveService) EntryLoginURL(id model.SourceID, entryID string) (string, error) {
	_, e, err := s.entry("get entry login url", id, entryID)
	if err != nil {
		return "", err
	}
	u := finder.LoginURL(e)
	if u == "" {
		return "", errs.Wrap("get entry login url", string(id), fmt.Errorf("entry %s has no url: %w", entryID, errs.ErrNotFound))
	}
	return u, nil
}
