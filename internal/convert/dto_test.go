package convert

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/and161185/vaultbridge/internal/datasource"
	"github.com/and161185/vaultbridge/internal/errs"
	"github.com/and161185/vaultbridge/internal/finder"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
)

func TestToEntryObjects(t *testing.T) {
	t.Parallel()

	e := vault.Entry{
		ID:      "e1",
		GroupID: "g1",
		Properties: map[string]string{
			vault.PropertyTitle:    "Mail",
			vault.PropertyUsername: "me",
			vault.PropertyPassword: "pw",
		},
		Meta: map[string]string{vault.MetaURL: "https://mail.example.com"},
	}
	got := ToEntryObjects([]finder.Result{{Entry: e, SourceID: "s1", ArchiveID: "a1"}})
	want := []EntryObject{{
		ID: "e1", SourceID: "s1", ArchiveID: "a1", GroupID: "g1",
		Title: "Mail", Username: "me", URL: "https://mail.example.com",
		Properties: e.Properties, Meta: e.Meta,
	}}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("entry objects mismatch (-want +got):\n%s", d)
	}

	if out := ToEntryObjects(nil); out == nil || len(out) != 0 {
		t.Fatalf("nil results must give empty non-nil slice, got %#v", out)
	}
}

func TestToGroupTree(t *testing.T) {
	t.Parallel()

	groups := []vault.Group{
		{ID: "g1", Title: "General"},
		{ID: "g2", ParentID: "g1", Title: "Work"},
		{ID: "t", Title: "Trash", Attributes: map[string]string{vault.AttributeRole: vault.RoleTrash}},
		{ID: "g3", ParentID: "g2", Title: "Servers"},
		{ID: "g4", ParentID: "gone", Title: "Orphan"},
	}
	want := []GroupNode{
		{ID: "g1", Title: "General", Groups: []GroupNode{
			{ID: "g2", Title: "Work", Groups: []GroupNode{
				{ID: "g3", Title: "Servers", Groups: []GroupNode{}},
			}},
		}},
		{ID: "t", Title: "Trash", Trash: true, Groups: []GroupNode{}},
		{ID: "g4", Title: "Orphan", Groups: []GroupNode{}},
	}
	if d := cmp.Diff(want, ToGroupTree(groups)); d != "" {
		t.Fatalf("tree mismatch (-want +got):\n%s", d)
	}
}

func TestToSourceObjects(t *testing.T) {
	t.Parallel()

	in := []model.SourceInfo{{ID: "s1", Name: "Home", Type: model.SourceWebDAV, Status: model.StatusLocked}}
	got := ToSourceObjects(in)
	want := []SourceObject{{ID: "s1", Name: "Home", Type: model.SourceWebDAV, Status: model.StatusLocked}}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", d)
	}
}

func TestFromSourceSpec(t *testing.T) {
	t.Parallel()

	p, err := FromSourceSpec(json.RawMessage(`{"type":"webdav","params":{"endpoint":"https://dav.example.com","path":"/v.bcup"}}`))
	if err != nil {
		t.Fatalf("FromSourceSpec: %v", err)
	}
	want := datasource.WebDAVParams{Endpoint: "https://dav.example.com", Path: "/v.bcup"}
	if d := cmp.Diff(datasource.Params(want), p); d != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", d)
	}

	bad := []string{
		``,
		`{"type":"ftp","params":{}}`,
		`{"type":"webdav","params":{"endpoint":"","path":"/v.bcup"}}`,
		`not json`,
	}
	for _, raw := range bad {
		if _, err := FromSourceSpec(json.RawMessage(raw)); !errors.Is(err, errs.ErrInvalidInput) {
			t.Fatalf("%q: want ErrInvalidInput, got %v", raw, err)
		}
	}
}
