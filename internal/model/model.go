// Package model defines domain entities shared by sources, the registry and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// SourceID is the stable identifier of a registered source.
type SourceID string

// NewSourceID returns a fresh random source identifier.
func NewSourceID() (SourceID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return SourceID(id.String()), nil
}

func (id SourceID) String() string { return string(id) }

// SourceType names the storage backend behind a source.
type SourceType string

const (
	SourceDropbox     SourceType = "dropbox"
	SourceWebDAV      SourceType = "webdav"
	SourceOwnCloud    SourceType = "owncloud"
	SourceNextcloud   SourceType = "nextcloud"
	SourceLocalFile   SourceType = "localfile"
	SourceMyButtercup SourceType = "mybuttercup"
	SourceS3          SourceType = "s3"
)

// SourceStatus is the lifecycle state of a source.
type SourceStatus string

const (
	StatusLocked    SourceStatus = "locked"
	StatusUnlocking SourceStatus = "unlocking"
	StatusUnlocked  SourceStatus = "unlocked"
	// StatusError is locked-equivalent: no workspace, left by lock or unlock.
	StatusError SourceStatus = "error"
)

// Sealed is credential material encrypted under the master password.
// It never holds plaintext.
type Sealed string

// SourceRecord is the dehydrated form of a source, safe to persist.
type SourceRecord struct {
	ID                 SourceID
	Name               string
	Type               SourceType
	SourceCredentials  Sealed // datasource params and auth
	ArchiveCredentials Sealed // proof of the vault password
	Status             SourceStatus
	Position           int // order in the registry
	CreatedAt          time.Time
}

// SourceInfo is a read-only summary of a registered source.
type SourceInfo struct {
	ID     SourceID     `json:"id"`
	Name   string       `json:"name"`
	Type   SourceType   `json:"type"`
	Status SourceStatus `json:"status"`
}
