// Package channel carries typed messages between open foreground instances
// and the background coordinator over a WebSocket.
//
// The coordinator runs a Hub; each foreground instance dials it with a
// Client. Messages are JSON objects of the form
//
//	{"type": "...", "id": "...", "replyTo": "...", "timestamp": "...", "data": {...}}
//
// A request carries an id; its reply carries the same value in replyTo.
package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/google/uuid"
)

// Type identifies a message.
type Type string

// Foreground to background.
const (
	// SkipWaiting activates a waiting coordinator version immediately.
	SkipWaiting Type = "SKIP_WAITING"
	// CacheURLs asks the coordinator to fetch and cache a list of urls.
	CacheURLs Type = "CACHE_URLS"
	// ClearCache deletes a named cache partition.
	ClearCache Type = "CLEAR_CACHE"
	// GetCacheSize asks for the total cached bytes; answered with CacheSize.
	GetCacheSize Type = "GET_CACHE_SIZE"
	// RequestSync asks for an immediate drain.
	RequestSync Type = "REQUEST_SYNC"
	// StopSync pauses draining until the next RequestSync.
	StopSync Type = "STOP_SYNC"
	// Visibility reports that the sender was hidden or shown.
	Visibility Type = "VISIBILITY"
)

// Background to foreground.
const (
	SyncStart        Type = "SYNC_START"
	CheckPendingData Type = "CHECK_PENDING_DATA"
	CacheSize        Type = "CACHE_SIZE"
	ControllerChange Type = "CONTROLLER_CHANGE"
	StorageWarnings  Type = "STORAGE_WARNINGS"
)

// SyncComplete travels both ways. From the background it announces the end
// of a drain; from a foreground instance it asks for a completion
// notification.
const SyncComplete Type = "SYNC_COMPLETE"

// Message is one frame on the channel.
type Message struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds a message with a fresh id. data may be nil.
func New(typ Type, data interface{}) (Message, error) {
	msg := Message{Type: typ, ID: uuid.NewString(), Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s data: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// Reply builds a message answering req.
func Reply(req Message, typ Type, data interface{}) (Message, error) {
	msg, err := New(typ, data)
	if err != nil {
		return Message{}, err
	}
	msg.ReplyTo = req.ID
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", m.Type, err)
	}
	return nil
}

// CacheURLsData is the payload of CacheURLs.
type CacheURLsData struct {
	URLs []string `json:"urls"`
}

// ClearCacheData is the payload of ClearCache. An empty name clears every
// partition.
type ClearCacheData struct {
	CacheName string `json:"cacheName"`
}

// CacheSizeData is the payload of CacheSize.
type CacheSizeData struct {
	Size int64 `json:"size"`
}

// VisibilityData is the payload of Visibility.
type VisibilityData struct {
	Hidden bool `json:"hidden"`
}

// SyncStartData is the payload of SyncStart.
type SyncStartData struct {
	Trigger string `json:"trigger"`
}

// SyncCompleteData is the payload of SyncComplete in both directions.
type SyncCompleteData struct {
	AllSucceeded bool `json:"allSucceeded"`
	Synced       int  `json:"syncedCount"`
	Failed       int  `json:"failedCount"`
	Remaining    int  `json:"remaining"`
}

// CheckPendingDataData is the payload of CheckPendingData.
type CheckPendingDataData struct {
	Pending int `json:"pending"`
}

// ControllerChangeData is the payload of ControllerChange.
type ControllerChangeData struct {
	Version string `json:"version"`
}

// StorageWarningsData is the payload of StorageWarnings.
type StorageWarningsData struct {
	Percent  float64          `json:"percent"`
	Warnings []schema.Warning `json:"warnings"`
}
