// Package messaging routes extension requests to the archive manager and frames
// them for browser native messaging.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/vaultbridge/internal/errs"
)

// Request types understood by the dispatcher.
const (
	TypeAddArchive             = "add-archive"
	TypeRemoveSource           = "remove-source"
	TypeUnlockSource           = "unlock-source"
	TypeLockSource             = "lock-source"
	TypeLockAllSources         = "lock-all-sources"
	TypeSaveSource             = "save-source"
	TypeSearchEntriesForTerm   = "search-entries-for-term"
	TypeSearchEntriesForURL    = "search-entries-for-url"
	TypeGetUnlockedCount       = "get-unlocked-count"
	TypeListSources            = "list-sources"
	TypeGetSourceName          = "get-source-name"
	TypeGetEntry               = "get-entry"
	TypeAddEntry               = "add-entry"
	TypeGetArchiveGroups       = "get-archive-groups"
	TypeGetEntryLoginURL       = "get-entry-login-url"
	TypeCheckUnlockPossibility = "check-unlock-possibility"
)

// ErrUnknownRequest is returned for a request type without a handler.
var ErrUnknownRequest = fmt.Errorf("unknown request type: %w", errs.ErrInvalidInput)

// Request is one message from the extension. ID is echoed back unchanged.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request. Exactly one of Data and Error is set.
type Response struct {
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries the machine-checkable kind of a failure.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string { return e.Kind + ": " + e.Message }

// Decode unmarshals the response data into v, or returns the carried error.
func (r *Response) Decode(v any) error {
	if !r.OK {
		if r.Error == nil {
			return errors.New("messaging: failed response without error")
		}
		return r.Error
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// NewRequest builds a request with a JSON payload.
func NewRequest(typ string, payload any) (*Request, error) {
	req := &Request{Type: typ}
	if payload == nil {
		return req, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	req.Payload = raw
	return req, nil
}
