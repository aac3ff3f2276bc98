package vault

import (
	"errors"
	"fmt"
	"slices"
)

// OpKind names a history operation.
type OpKind string

const (
	OpCreateGroup    OpKind = "create-group"
	OpRenameGroup    OpKind = "rename-group"
	OpDeleteGroup    OpKind = "delete-group"
	OpSetAttribute   OpKind = "set-attribute"
	OpCreateEntry    OpKind = "create-entry"
	OpSetProperty    OpKind = "set-property"
	OpDeleteProperty OpKind = "delete-property"
	OpSetMeta        OpKind = "set-meta"
	OpDeleteMeta     OpKind = "delete-meta"
	OpMoveEntry      OpKind = "move-entry"
	OpDeleteEntry    OpKind = "delete-entry"
)

// Op is one entry of the vault history.
type Op struct {
	ID     string `json:"id"`
	Kind   OpKind `json:"kind"`
	Target string `json:"target,omitempty"`
	Parent string `json:"parent,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Destructive reports whether the op removes data.
func (o Op) Destructive() bool {
	switch o.Kind {
	case OpDeleteGroup, OpDeleteEntry, OpDeleteProperty, OpDeleteMeta:
		return true
	}
	return false
}

var (
	errUnknownGroup = errors.New("unknown group")
	errUnknownEntry = errors.New("unknown entry")
	errExists       = errors.New("id already exists")
)

// apply mutates state; the caller holds the write lock.
func (v *Vault) apply(op Op) error {
	if op.ID == "" {
		return errors.New("op without id")
	}
	switch op.Kind {
	case OpCreateGroup:
		if op.Target == "" {
			return errors.New("create-group: empty id")
		}
		if _, ok := v.groups[op.Target]; ok {
			return fmt.Errorf("create-group %s: %w", op.Target, errExists)
		}
		if op.Parent != "" {
			if _, ok := v.groups[op.Parent]; !ok {
				return fmt.Errorf("create-group parent %s: %w", op.Parent, errUnknownGroup)
			}
		}
		v.groups[op.Target] = &Group{ID: op.Target, ParentID: op.Parent, Title: op.Value, Attributes: map[string]string{}}
		v.groupOrder = append(v.groupOrder, op.Target)

	case OpRenameGroup:
		g, ok := v.groups[op.Target]
		if !ok {
			return fmt.Errorf("rename-group %s: %w", op.Target, errUnknownGroup)
		}
		g.Title = op.Value

	case OpDeleteGroup:
		if _, ok := v.groups[op.Target]; !ok {
			return fmt.Errorf("delete-group %s: %w", op.Target, errUnknownGroup)
		}
		v.deleteGroup(op.Target)

	case OpSetAttribute:
		if op.Target == "" {
			v.attributes[op.Key] = op.Value
			return nil
		}
		g, ok := v.groups[op.Target]
		if !ok {
			return fmt.Errorf("set-attribute %s: %w", op.Target, errUnknownGroup)
		}
		g.Attributes[op.Key] = op.Value

	case OpCreateEntry:
		if op.Target == "" {
			return errors.New("create-entry: empty id")
		}
		if _, ok := v.entries[op.Target]; ok {
			return fmt.Errorf("create-entry %s: %w", op.Target, errExists)
		}
		if _, ok := v.groups[op.Parent]; !ok {
			return fmt.Errorf("create-entry group %s: %w", op.Parent, errUnknownGroup)
		}
		v.entries[op.Target] = &Entry{
			ID:         op.Target,
			GroupID:    op.Parent,
			Properties: map[string]string{},
			Meta:       map[string]string{},
		}
		v.entryOrder = append(v.entryOrder, op.Target)

	case OpSetProperty, OpDeleteProperty, OpSetMeta, OpDeleteMeta, OpMoveEntry, OpDeleteEntry:
		e, ok := v.entries[op.Target]
		if !ok {
			return fmt.Errorf("%s %s: %w", op.Kind, op.Target, errUnknownEntry)
		}
		switch op.Kind {
		case OpSetProperty:
			e.Properties[op.Key] = op.Value
		case OpDeleteProperty:
			delete(e.Properties, op.Key)
		case OpSetMeta:
			e.Meta[normalizeMetaKey(op.Key)] = op.Value
		case OpDeleteMeta:
			delete(e.Meta, normalizeMetaKey(op.Key))
		case OpMoveEntry:
			if _, ok := v.groups[op.Parent]; !ok {
				return fmt.Errorf("move-entry group %s: %w", op.Parent, errUnknownGroup)
			}
			e.GroupID = op.Parent
		case OpDeleteEntry:
			v.deleteEntry(op.Target)
		}

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return nil
}

func (v *Vault) deleteGroup(id string) {
	for _, child := range slices.Clone(v.groupOrder) {
		if g, ok := v.groups[child]; ok && g.ParentID == id {
			v.deleteGroup(child)
		}
	}
	for _, eid := range slices.Clone(v.entryOrder) {
		if e, ok := v.entries[eid]; ok && e.GroupID == id {
			v.deleteEntry(eid)
		}
	}
	delete(v.groups, id)
	v.groupOrder = slices.DeleteFunc(v.groupOrder, func(s string) bool { return s == id })
}

func (v *Vault) deleteEntry(id string) {
	delete(v.entries, id)
	v.entryOrder = slices.DeleteFunc(v.entryOrder, func(s string) bool { return s == id })
}
