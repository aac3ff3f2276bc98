// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across source/registry/service layers.
var (
	// ErrSourceNotFound indicates no source with the given id is registered.
	ErrSourceNotFound = errors.New("source not found")

	// ErrDuplicateSource indicates a source with the same id is already registered.
	ErrDuplicateSource = errors.New("duplicate source")

	// ErrInvalidCredentials indicates the master password could not unseal credentials or decrypt the vault.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidState indicates the operation is not allowed in the source's current status.
	ErrInvalidState = errors.New("invalid state")

	// ErrTransport indicates a datasource failed to read or write remote content.
	ErrTransport = errors.New("transport failure")

	// ErrMergeConflict indicates remote and local histories could not be reconciled.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrNotFound indicates the datasource target (file, object, vault) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication of a control client.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates unlock attempts are temporarily blocked.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput indicates malformed request parameters.
	ErrInvalidInput = errors.New("invalid input")
)
