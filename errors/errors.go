// Package errors provides centralized error definitions for mailfolder.
package errors

import "errors"

// Is reports whether any error in err's chain matches target, so callers
// can match sentinels without a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// Registry errors.
var (
	// ErrFormatNotRegistered indicates the requested folder format is not registered.
	ErrFormatNotRegistered = errors.New("folder format not registered")

	// ErrFormatUnknown indicates no registered format recognized the folder path.
	ErrFormatUnknown = errors.New("folder format not recognized")

	// ErrFolderConfigInvalid indicates the folder configuration is invalid.
	ErrFolderConfigInvalid = errors.New("invalid folder configuration")
)

// Folder errors.
var (
	// ErrFolderNotFound indicates the requested folder does not exist.
	ErrFolderNotFound = errors.New("folder not found")

	// ErrFolderLocked indicates the folder lock could not be acquired.
	ErrFolderLocked = errors.New("folder locked")

	// ErrFolderClosed indicates an operation on a folder after Close.
	ErrFolderClosed = errors.New("folder closed")

	// ErrReadOnly indicates a write operation on a read-only folder.
	ErrReadOnly = errors.New("folder opened read-only")
)

// Message errors.
var (
	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStaleLocator indicates a message's physical location no longer resolves.
	// Realization fails and the message is left in its prior state.
	ErrStaleLocator = errors.New("stale message locator")

	// ErrBodyDelayed indicates content access on a body that has not been
	// realized. Callers normally never see this; Message.Body realizes the
	// body before returning it.
	ErrBodyDelayed = errors.New("body not realized")
)

// Cache errors.
var (
	// ErrCacheMismatch indicates an index or label cache entry is inconsistent
	// with the live folder. The entry is discarded and never surfaced to callers.
	ErrCacheMismatch = errors.New("cache entry inconsistent with folder")
)

// Tokenizer errors.
var (
	// ErrMalformedHeader indicates a header line that is not a field, not a
	// continuation line and not blank. Parsing treats it as the end of the
	// header section.
	ErrMalformedHeader = errors.New("malformed header line")

	// ErrMissingBoundary indicates a multipart body without a closing boundary.
	ErrMissingBoundary = errors.New("unmatched multipart boundary")
)
