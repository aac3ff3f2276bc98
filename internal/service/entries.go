package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
	"github.com/and161185/vaultbridge/internal/workspace"
)

// NewEntry is a login captured from a page.
type NewEntry struct {
	GroupID  string `json:"groupID"`
	Title    string `json:"title"`
	Username string `json:"username"`
	Password string `json:"password"`
	URL      string `json:"url,omitempty"`
}

// AddEntry creates an entry in a group of an unlocked source and saves the source.
// The entry stays in the local vault when the save fails.
func (s *ArchiveService) AddEntry(ctx context.Context, id model.SourceID, ne NewEntry) (entryID string, err error) {
	defer s.track("add entry", id, time.Now(), &err)
	src, err := s.unlocked(id)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(ne.Title) == "" {
		return "", fmt.Errorf("empty title: %w", errs.ErrInvalidInput)
	}

	err = src.Exclusive(func(ws *workspace.Workspace) error {
		v := ws.Vault()
		if _, ok := v.Group(ne.GroupID); !ok {
			return fmt.Errorf("group %s: %w", ne.GroupID, errs.ErrNotFound)
		}
		eid, err := v.CreateEntry(ne.GroupID)
		if err != nil {
			return err
		}
		props := [][2]string{
			{vault.PropertyTitle, ne.Title},
			{vault.PropertyUsername, ne.Username},
			{vault.PropertyPassword, ne.Password},
		}
		for _, p := range props {
			if err := v.SetProperty(eid, p[0], p[1]); err != nil {
				return err
			}
		}
		if ne.URL != "" {
			if err := v.SetMeta(eid, vault.MetaURL, ne.URL); err != nil {
				return err
			}
		}
		entryID = eid
		return nil
	})
	if err != nil {
		return "", err
	}
	return entryID, s.save(ctx, src)
}
