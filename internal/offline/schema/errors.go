package schema

import (
	"errors"
	"fmt"
)

// Errors returned by the offline layer.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, schema.ErrStorageUnavailable) {
//	    // disable offline features
//	}
var (
	// ErrStorageUnavailable is returned when the persistent store cannot be
	// opened. It is fatal to the whole offline subsystem.
	ErrStorageUnavailable = errors.New("offline storage unavailable")

	// ErrQuotaExceeded is returned when a write cannot complete even after
	// eviction has reclaimed what it could.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrSyncRejected is returned when the remote server declined a queued mutation.
	ErrSyncRejected = errors.New("sync rejected by server")

	// ErrNetworkUnavailable is returned for transient transport failures.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrImportMalformed is returned when an export bundle fails validation.
	ErrImportMalformed = errors.New("import bundle malformed")

	// ErrNotFound is returned when a record or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for a disallowed sync status change.
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrUnknownCollection is returned for a collection name the store does not have.
	ErrUnknownCollection = errors.New("unknown collection")
)

// RejectedError carries the server's reason for declining a mutation.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sync rejected: %s", e.Reason)
	}
	return fmt.Sprintf("sync rejected (%d): %s", e.StatusCode, e.Reason)
}

// Unwrap makes errors.Is(err, ErrSyncRejected) hold.
func (e *RejectedError) Unwrap() error {
	return ErrSyncRejected
}

// IsRetryable returns true if the error is likely to succeed on a later wake
// without any change to the record.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// Remedy returns the action suggested to the user for a blocking error.
func Remedy(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "Free space: sync now so synced data can be cleaned up, or export and clear local data."
	case errors.Is(err, ErrStorageUnavailable):
		return "Offline features are disabled. Check disk permissions and free space, then restart."
	case errors.Is(err, ErrImportMalformed):
		return "The file is not a valid export bundle. Export again from a current version."
	case errors.Is(err, ErrSyncRejected):
		return "Review the record and sync now to retry."
	case errors.Is(err, ErrNetworkUnavailable):
		return "Changes are kept locally and will sync when connectivity returns."
	}
	return ""
}
