package schema

import (
	"fmt"
	"time"
)

// Op is the kind of mutation a queue entry carries to the server.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known mutation kind.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueEntry is one pending mutation against a record.
//
// It is created together with the record write and removed only after the
// coordinator has confirmed the remote write. The UI read path never mutates it.
type QueueEntry struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"` // enqueue order, assigned by the store
	Collection Collection `json:"collection"`
	RecordID   string     `json:"recordId"`
	Op         Op         `json:"op"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Validate checks the entry's required fields.
func (e *QueueEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Collection.IsDomain() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, e.Collection)
	}
	if e.RecordID == "" {
		return fmt.Errorf("recordId is required")
	}
	if !e.Op.Valid() {
		return fmt.Errorf("invalid op %q", e.Op)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	return nil
}

// Age returns how long the entry has been waiting at time now.
func (e *QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Size approximates the bytes the entry occupies in the local store.
func (e *QueueEntry) Size() int64 {
	return int64(len(e.ID) + len(e.RecordID) + len(e.LastError) + len(e.Collection) + len(e.Op))
}
