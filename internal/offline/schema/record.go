// Package schema provides the data structures shared by the offline store,
// the quota manager and the background sync coordinator.
//
// Every domain record (assessment, photo, deficiency) has the same flat
// shape. Photos additionally carry a working blob and the larger pre-edit
// original. Records are replaced wholesale on every local write
// (last-writer-wins at the local layer).
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names one of the independent record collections of the local store.
type Collection string

const (
	Assessments  Collection = "assessments"
	Photos       Collection = "photos"
	Deficiencies Collection = "deficiencies"
	SyncQueue    Collection = "sync_queue"
)

// DomainCollections returns the three record collections in a stable order.
func DomainCollections() []Collection {
	return []Collection{Assessments, Photos, Deficiencies}
}

// IsDomain reports whether c holds domain records (as opposed to queue entries).
func (c Collection) IsDomain() bool {
	switch c {
	case Assessments, Photos, Deficiencies:
		return true
	}
	return false
}

// ParseCollection converts a user-supplied name into a domain collection.
func ParseCollection(name string) (Collection, error) {
	c := Collection(name)
	if !c.IsDomain() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

// Record is a domain entity edited offline.
type Record struct {
	// ===== Identification =====
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	AssetID   string `json:"assetId,omitempty"`

	// ===== Content =====
	Payload json.RawMessage `json:"payload,omitempty"`

	// ===== Sync state =====
	SyncStatus SyncStatus `json:"syncStatus"`

	// ===== Timestamps (staleness and cleanup decisions) =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ===== Photo-only fields =====
	Blob         []byte `json:"blob,omitempty"`
	OriginalBlob []byte `json:"originalBlob,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	// ObjectKey is set once the blob has been stored in remote object storage.
	ObjectKey string `json:"objectKey,omitempty"`
	// BlobOmitted marks an exported photo whose blobs exceeded the inline limit.
	BlobOmitted bool `json:"blobOmitted,omitempty"`
}

// Validate checks that the record can be stored in collection c.
func (r *Record) Validate(c Collection) error {
	if !c.IsDomain() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if !r.SyncStatus.Valid() {
		return fmt.Errorf("invalid syncStatus %q", r.SyncStatus)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if c != Photos && (len(r.Blob) > 0 || len(r.OriginalBlob) > 0) {
		return fmt.Errorf("blobs are only allowed on photos")
	}
	return nil
}

// BlobBytes returns the combined size of the working and original blobs.
func (r *Record) BlobBytes() int64 {
	return int64(len(r.Blob) + len(r.OriginalBlob))
}

// Size approximates the bytes the record occupies in the local store.
func (r *Record) Size() int64 {
	return int64(len(r.ID)+len(r.ProjectID)+len(r.AssetID)+len(r.Payload)) + r.BlobBytes()
}

// RecomputeFileSize sets FileSize from the blobs currently held.
func (r *Record) RecomputeFileSize() {
	r.FileSize = r.BlobBytes()
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	c.Blob = append([]byte(nil), r.Blob...)
	c.OriginalBlob = append([]byte(nil), r.OriginalBlob...)
	return &c
}
