package schema

import "fmt"

// SyncStatus is the per-record synchronization state.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Evictable reports whether a record in this status may be removed by
// cleanup or eviction. Only synced data is ever a candidate.
func (s SyncStatus) Evictable() bool {
	return s == StatusSynced
}

// transitions lists the allowed status changes. synced has none: the only
// way out of synced is deletion, or a local Put replacing the record.
var transitions = map[SyncStatus][]SyncStatus{
	StatusPending: {StatusSyncing},
	StatusSyncing: {StatusSynced, StatusFailed, StatusPending},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to SyncStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to SyncStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
