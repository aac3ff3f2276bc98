package messaging

import (
	"encoding/json"

	"github.com/and161185/vaultbridge/internal/convert"
	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/service"
)

// AddArchivePayload adds one source described by Source, or several hosted
// archives when MyButtercup is set.
type AddArchivePayload struct {
	Name           string           `json:"name,omitempty"`
	MasterPassword string           `json:"masterPassword"`
	CreateNew      bool             `json:"createNew,omitempty"`
	Source         json.RawMessage  `json:"source,omitempty"`
	MyButtercup    *MyButtercupSpec `json:"myButtercup,omitempty"`
}

// MyButtercupSpec lists hosted archives reachable with one token.
type MyButtercupSpec struct {
	Token    string                       `json:"token"`
	Archives []service.MyButtercupArchive `json:"archives"`
}

// AddArchiveResult lists the ids of added sources.
type AddArchiveResult struct {
	SourceIDs []model.SourceID `json:"sourceIDs"`
}

// SourcePayload addresses a source.
type SourcePayload struct {
	SourceID model.SourceID `json:"sourceID"`
}

// UnlockPayload unlocks a source.
type UnlockPayload struct {
	SourceID       model.SourceID `json:"sourceID"`
	MasterPassword string         `json:"masterPassword"`
}

// EntryPayload addresses an entry of a source.
type EntryPayload struct {
	SourceID model.SourceID `json:"sourceID"`
	EntryID  string         `json:"entryID"`
}

// TermPayload searches by term.
type TermPayload struct {
	Term string `json:"term"`
}

// URLPayload searches by page URL.
type URLPayload struct {
	URL string `json:"url"`
}

// AddEntryPayload creates an entry and saves its source.
type AddEntryPayload struct {
	SourceID model.SourceID `json:"sourceID"`
	service.NewEntry
}

type (
	// EntriesResult is returned by both searches.
	EntriesResult struct {
		Entries []convert.EntryObject `json:"entries"`
	}
	// CountResult is returned by get-unlocked-count.
	CountResult struct {
		Count int `json:"count"`
	}
	// SourcesResult is returned by list-sources.
	SourcesResult struct {
		Sources []convert.SourceObject `json:"sources"`
	}
	// NameResult is returned by get-source-name.
	NameResult struct {
		Name string `json:"name"`
	}
	// EntryResult is returned by get-entry.
	EntryResult struct {
		Entry convert.EntryObject `json:"entry"`
		Path  []string            `json:"path"`
	}
	// EntryIDResult is returned by add-entry.
	EntryIDResult struct {
		EntryID string `json:"entryID"`
	}
	// GroupsResult is returned by get-archive-groups.
	GroupsResult struct {
		Groups []convert.GroupNode `json:"groups"`
	}
	// URLResult is returned by get-entry-login-url.
	URLResult struct {
		URL string `json:"url"`
	}
	// UnlockPossibilityResult is returned by check-unlock-possibility.
	UnlockPossibilityResult struct {
		NeedsUnlock bool `json:"needsUnlock"`
	}
)
