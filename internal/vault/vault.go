// Package vault implements the archive model: an ordered history of operations
// materialized into a tree of groups and entries.
package vault

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
)

// Well-known entry properties and meta keys.
const (
	PropertyTitle    = "title"
	PropertyUsername = "username"
	PropertyPassword = "password"
	MetaURL          = "url"

	AttributeRole = "role"
	RoleTrash     = "trash"
)

// Group is a node of the archive tree.
type Group struct {
	ID         string            `json:"id"`
	ParentID   string            `json:"parentID,omitempty"`
	Title      string            `json:"title"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsTrash reports whether the group is a trash group.
func (g Group) IsTrash() bool { return g.Attributes[AttributeRole] == RoleTrash }

// Entry is a credential record. Values returned by Vault are copies.
type Entry struct {
	ID         string            `json:"id"`
	GroupID    string            `json:"groupID"`
	Properties map[string]string `json:"properties"`
	Meta       map[string]string `json:"meta"`
	InTrash    bool              `json:"inTrash"`
}

func (e Entry) Title() string    { return e.Properties[PropertyTitle] }
func (e Entry) Username() string { return e.Properties[PropertyUsername] }
func (e Entry) Password() string { return e.Properties[PropertyPassword] }
func (e Entry) URL() string      { return e.Meta[MetaURL] }

// Vault is safe for concurrent use.
type Vault struct {
	mu         sync.RWMutex
	id         string
	history    []Op
	attributes map[string]string
	groups     map[string]*Group
	groupOrder []string
	entries    map[string]*Entry
	entryOrder []string
}

func empty(id string) *Vault {
	return &Vault{
		id:         id,
		attributes: map[string]string{},
		groups:     map[string]*Group{},
		entries:    map[string]*Entry{},
	}
}

// New creates an empty vault with a fresh archive id.
func New() (*Vault, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return empty(id.String()), nil
}

// NewWithDefaults creates a vault holding a "General" group and a trash group.
func NewWithDefaults() (*Vault, error) {
	v, err := New()
	if err != nil {
		return nil, err
	}
	if _, err := v.CreateGroup("", "General"); err != nil {
		return nil, err
	}
	if _, err := v.ensureTrash(); err != nil {
		return nil, err
	}
	return v, nil
}

// FromHistory rebuilds a vault by replaying ops.
func FromHistory(id string, ops []Op) (*Vault, error) {
	if id == "" {
		return nil, errors.New("vault: empty archive id")
	}
	v := empty(id)
	for i, op := range ops {
		if err := v.apply(op); err != nil {
			return nil, fmt.Errorf("vault: replay op %d (%s): %w", i, op.Kind, err)
		}
		v.history = append(v.history, op)
	}
	return v, nil
}

// ID returns the archive identifier.
func (v *Vault) ID() string { return v.id }

// History returns a copy of the operation log.
func (v *Vault) History() []Op {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]Op(nil), v.history...)
}

// Attribute returns an archive-level attribute.
func (v *Vault) Attribute(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.attributes[key]
}

// Groups returns all groups in creation order.
func (v *Vault) Groups() []Group {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Group, 0, len(v.groupOrder))
	for _, id := range v.groupOrder {
		out = append(out, copyGroup(v.groups[id]))
	}
	return out
}

// Group returns a group by id.
func (v *Vault) Group(id string) (Group, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.groups[id]
	if !ok {
		return Group{}, false
	}
	return copyGroup(g), true
}

// Entries returns all entries in creation order, trashed ones flagged.
func (v *Vault) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, 0, len(v.entryOrder))
	for _, id := range v.entryOrder {
		out = append(out, v.snapshot(v.entries[id]))
	}
	return out
}

// Entry returns an entry by id.
func (v *Vault) Entry(id string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[id]
	if !ok {
		return Entry{}, false
	}
	return v.snapshot(e), true
}

// TrashGroupID returns the first trash group, if any.
func (v *Vault) TrashGroupID() (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trashID()
}

// EntryPath returns group titles from the root down to the entry's group.
func (v *Vault) EntryPath(entryID string) ([]string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[entryID]
	if !ok {
		return nil, false
	}
	var path []string
	for gid := e.GroupID; gid != ""; {
		g := v.groups[gid]
		path = append([]string{g.Title}, path...)
		gid = g.ParentID
	}
	return path, true
}

// CreateGroup adds a group under parentID ("" for a root group).
func (v *Vault) CreateGroup(parentID, title string) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	return id, v.record(Op{Kind: OpCreateGroup, Target: id, Parent: parentID, Value: title})
}

// RenameGroup changes a group title.
func (v *Vault) RenameGroup(groupID, title string) error {
	return v.record(Op{Kind: OpRenameGroup, Target: groupID, Value: title})
}

// DeleteGroup removes a group with its subgroups and entries.
func (v *Vault) DeleteGroup(groupID string) error {
	return v.record(Op{Kind: OpDeleteGroup, Target: groupID})
}

// SetGroupAttribute sets an attribute on a group.
func (v *Vault) SetGroupAttribute(groupID, key, value string) error {
	return v.record(Op{Kind: OpSetAttribute, Target: groupID, Key: key, Value: value})
}

// SetAttribute sets an archive-level attribute.
func (v *Vault) SetAttribute(key, value string) error {
	return v.record(Op{Kind: OpSetAttribute, Key: key, Value: value})
}

// CreateEntry adds an empty entry to a group.
func (v *Vault) CreateEntry(groupID string) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	return id, v.record(Op{Kind: OpCreateEntry, Target: id, Parent: groupID})
}

// SetProperty sets an entry property such as title, username or password.
func (v *Vault) SetProperty(entryID, key, value string) error {
	return v.record(Op{Kind: OpSetProperty, Target: entryID, Key: key, Value: value})
}

// DeleteProperty removes an entry property.
func (v *Vault) DeleteProperty(entryID, key string) error {
	return v.record(Op{Kind: OpDeleteProperty, Target: entryID, Key: key})
}

// SetMeta sets an entry meta value. Keys are case-insensitive.
func (v *Vault) SetMeta(entryID, key, value string) error {
	return v.record(Op{Kind: OpSetMeta, Target: entryID, Key: key, Value: value})
}

// DeleteMeta removes an entry meta value.
func (v *Vault) DeleteMeta(entryID, key string) error {
	return v.record(Op{Kind: OpDeleteMeta, Target: entryID, Key: key})
}

// MoveEntry moves an entry into another group.
func (v *Vault) MoveEntry(entryID, groupID string) error {
	return v.record(Op{Kind: OpMoveEntry, Target: entryID, Parent: groupID})
}

// TrashEntry moves an entry into the trash group, creating it when missing.
func (v *Vault) TrashEntry(entryID string) error {
	trash, err := v.ensureTrash()
	if err != nil {
		return err
	}
	return v.MoveEntry(entryID, trash)
}

// DeleteEntry removes an entry permanently.
func (v *Vault) DeleteEntry(entryID string) error {
	return v.record(Op{Kind: OpDeleteEntry, Target: entryID})
}

func (v *Vault) ensureTrash() (string, error) {
	if id, ok := v.TrashGroupID(); ok {
		return id, nil
	}
	id, err := v.CreateGroup("", "Trash")
	if err != nil {
		return "", err
	}
	return id, v.SetGroupAttribute(id, AttributeRole, RoleTrash)
}

func (v *Vault) record(op Op) error {
	id, err := newID()
	if err != nil {
		return err
	}
	op.ID = id
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.apply(op); err != nil {
		return err
	}
	v.history = append(v.history, op)
	return nil
}

func (v *Vault) trashID() (string, bool) {
	for _, id := range v.groupOrder {
		if v.groups[id].IsTrash() {
			return id, true
		}
	}
	return "", false
}

func (v *Vault) inTrash(groupID string) bool {
	for gid := groupID; gid != ""; {
		g, ok := v.groups[gid]
		if !ok {
			return false
		}
		if g.IsTrash() {
			return true
		}
		gid = g.ParentID
	}
	return false
}

func (v *Vault) snapshot(e *Entry) Entry {
	return Entry{
		ID:         e.ID,
		GroupID:    e.GroupID,
		Properties: cloneMap(e.Properties),
		Meta:       cloneMap(e.Meta),
		InTrash:    v.inTrash(e.GroupID),
	}
}

func copyGroup(g *Group) Group {
	c := *g
	c.Attributes = cloneMap(g.Attributes)
	return c
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func normalizeMetaKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }
