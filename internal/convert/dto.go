// Package convert maps domain values to the JSON objects exchanged with the extension.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/finder"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
)

// --- Entries (core -> extension) ---

// EntryObject is an entry as the extension sees it.
type EntryObject struct {
	ID         string            `json:"id"`
	SourceID   model.SourceID    `json:"sourceID"`
	ArchiveID  string            `json:"archiveID,omitempty"`
	GroupID    string            `json:"groupID"`
	Title      string            `json:"title"`
	Username   string            `json:"username,omitempty"`
	URL        string            `json:"url,omitempty"`
	Properties map[string]string `json:"properties"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// ToEntryObject converts a vault entry of a source.
func ToEntryObject(sourceID model.SourceID, archiveID string, e vault.Entry) EntryObject {
	return EntryObject{
		ID:         e.ID,
		SourceID:   sourceID,
		ArchiveID:  archiveID,
		GroupID:    e.GroupID,
		Title:      e.Title(),
		Username:   e.Username(),
		URL:        e.URL(),
		Properties: e.Properties,
		Meta:       e.Meta,
	}
}

// ToEntryObjects converts search results, keeping their order.
func ToEntryObjects(rs []finder.Result) []EntryObject {
	out := make([]EntryObject, 0, len(rs))
	for _, r := range rs {
		out = append(out, ToEntryObject(r.SourceID, r.ArchiveID, r.Entry))
	}
	return out
}

// --- Groups ---

// GroupNode is a group with its subgroups. Entries are not included.
type GroupNode struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Trash  bool        `json:"trash,omitempty"`
	Groups []GroupNode `json:"groups"`
}

// ToGroupTree nests flat groups by parent id. Siblings keep the input order;
// groups whose parent is unknown become roots.
func ToGroupTree(groups []vault.Group) []GroupNode {
	known := make(map[string]bool, len(groups))
	for _, g := range groups {
		known[g.ID] = true
	}
	children := map[string][]vault.Group{}
	for _, g := range groups {
		parent := g.ParentID
		if !known[parent] {
			parent = ""
		}
		children[parent] = append(children[parent], g)
	}
	var build func(parent string, seen map[string]bool) []GroupNode
	build = func(parent string, seen map[string]bool) []GroupNode {
		out := make([]GroupNode, 0, len(children[parent]))
		for _, g := range children[parent] {
			if seen[g.ID] {
				continue
			}
			seen[g.ID] = true
			out = append(out, GroupNode{ID: g.ID, Title: g.Title, Trash: g.IsTrash(), Groups: build(g.ID, seen)})
		}
		return out
	}
	return build("", map[string]bool{})
}

// --- Sources ---

// SourceObject summarizes a source.
type SourceObject struct {
	ID     model.SourceID     `json:"id"`
	Name   string             `json:"name"`
	Type   model.SourceType   `json:"type"`
	Status model.SourceStatus `json:"status"`
}

// ToSourceObjects converts source summaries.
func ToSourceObjects(in []model.SourceInfo) []SourceObject {
	out := make([]SourceObject, 0, len(in))
	for _, s := range in {
		out = append(out, SourceObject(s))
	}
	return out
}

// --- Params (extension -> core) ---

// FromSourceSpec decodes and validates the tagged connection description sent
// by the extension: {"type": "webdav", "params": {"endpoint": ..., "path": ...}}.
func FromSourceSpec(raw json.RawMessage) (datasource.Params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing source: %w", errs.ErrInvalidInput)
	}
	p, err := datasource.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrInvalidInput)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s params: %v: %w", p.Type(), err, errs.ErrInvalidInput)
	}
	return p, nil
}
