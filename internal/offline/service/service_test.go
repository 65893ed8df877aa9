package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDrainer struct {
	calls  atomic.Int64
	result schema.SyncResult
	err    error
}

func (d *fakeDrainer) Drain(ctx context.Context) (schema.SyncResult, error) {
	d.calls.Add(1)
	return d.result, d.err
}

type failingTarget struct{}

func (failingTarget) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return errors.New("connection reset")
}

func (failingTarget) Exists(ctx context.Context, key string) (bool, error) {
	return false, nil
}

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newService(t *testing.T, db *store.DB, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		DB:                 db,
		Quota:              quota.New(db, platform.FixedQuota{Available: 1 << 30, Total: 1 << 30}, quota.Config{Logger: logger.Discard()}),
		LargeFileThreshold: 16,
		Logger:             logger.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestPutCreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newService(t, db, func(c *Config) { c.Clock = func() time.Time { return now } })

	rec, err := s.Put(ctx, schema.Assessments, &schema.Record{ProjectID: "p1", Payload: json.RawMessage(`{"score":1}`)})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, schema.StatusPending, rec.SyncStatus)
	assert.Equal(t, now, rec.CreatedAt)

	// Same clock reading: the new version still gets a later timestamp.
	updated, err := s.Put(ctx, schema.Assessments, &schema.Record{ID: rec.ID, ProjectID: "p1", Payload: json.RawMessage(`{"score":2}`)})
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

	entries, err := db.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, schema.OpCreate, entries[0].Op)
	assert.Equal(t, schema.OpUpdate, entries[1].Op)

	got, err := db.Get(ctx, schema.Assessments, rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":2}`, string(got.Payload))
}

func TestPutResetsSyncedRecordToPending(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := newService(t, db, nil)

	rec, err := s.Put(ctx, schema.Deficiencies, &schema.Record{ProjectID: "p1"})
	require.NoError(t, err)
	ok, err := db.SetStatus(ctx, schema.Deficiencies, rec.ID, schema.StatusSyncing, rec.UpdatedAt)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.SetStatus(ctx, schema.Deficiencies, rec.ID, schema.StatusSynced, rec.UpdatedAt)
	require.NoError(t, err)
	require.True(t, ok)

	again, err := s.Put(ctx, schema.Deficiencies, &schema.Record{ID: rec.ID, ProjectID: "p1", SyncStatus: schema.StatusSynced})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, again.SyncStatus)
}

func TestPutRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := newService(t, openDB(t), nil)

	_, err := s.Put(ctx, schema.SyncQueue, &schema.Record{ProjectID: "p1"})
	assert.True(t, errors.Is(err, schema.ErrUnknownCollection))

	_, err = s.Put(ctx, schema.Assessments, &schema.Record{})
	assert.Error(t, err, "project id is required")

	_, err = s.Put(ctx, schema.Assessments, &schema.Record{ProjectID: "p1", Blob: []byte("x")})
	assert.Error(t, err, "blobs only on photos")
}

func TestPutQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := newService(t, db, func(c *Config) {
		c.Quota = quota.New(db, nil, quota.Config{MaxBytes: 100, Logger: logger.Discard()})
	})

	_, err := s.AddPhoto(ctx, &schema.Record{ProjectID: "p1", Blob: bytes.Repeat([]byte{1}, 200)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrQuotaExceeded))

	entries, err := db.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is queued for a write that was refused")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := newService(t, db, nil)

	rec, err := s.Put(ctx, schema.Assessments, &schema.Record{ProjectID: "p1"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, schema.Assessments, rec.ID))

	_, err = db.Get(ctx, schema.Assessments, rec.ID)
	assert.True(t, errors.Is(err, schema.ErrNotFound))

	entries, err := db.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, schema.OpDelete, entries[1].Op)

	err = s.Delete(ctx, schema.Assessments, "missing")
	assert.True(t, errors.Is(err, schema.ErrNotFound))
}

func TestAddPhotoUploadsLargeBlob(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	target := upload.NewMemoryTarget()
	guard := upload.NewGuard(nil, logger.Discard())
	s := newService(t, db, func(c *Config) {
		c.Objects = target
		c.Guard = guard
	})

	blob := bytes.Repeat([]byte{0xFF, 0xD8}, 32)
	rec, err := s.AddPhoto(ctx, &schema.Record{ProjectID: "p1", Blob: blob})
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), rec.FileSize)

	stored, ok := target.Get(upload.ObjectKey("p1", blob))
	require.True(t, ok)
	assert.Equal(t, blob, stored)
	assert.Empty(t, guard.Active(), "guard released after upload")

	got, err := db.Get(ctx, schema.Photos, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.SyncStatus, "upload does not change the record")
	assert.Empty(t, got.ObjectKey)

	// Same bytes again: content-addressed key already exists.
	_, err = s.AddPhoto(ctx, &schema.Record{ProjectID: "p1", Blob: blob})
	require.NoError(t, err)
	assert.Equal(t, 1, target.Puts())

	_, err = s.AddPhoto(ctx, &schema.Record{ProjectID: "p1", Blob: []byte("tiny")})
	require.NoError(t, err)
	assert.Equal(t, 1, target.Puts(), "small photos wait for the queue drain")
}

func TestAddPhotoUploadFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := newService(t, db, func(c *Config) { c.Objects = failingTarget{} })

	rec, err := s.AddPhoto(ctx, &schema.Record{ProjectID: "p1", Blob: bytes.Repeat([]byte{7}, 64)})
	require.NoError(t, err)

	got, err := db.Get(ctx, schema.Photos, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	has, err := db.HasEntries(ctx, schema.Photos, rec.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

// gatedTarget holds every Put until release is closed.
type gatedTarget struct {
	*upload.MemoryTarget
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTarget) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryTarget.Put(ctx, key, r, size, contentType)
}

func TestAddPhotoHiddenDuringUpload(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	target := &gatedTarget{
		MemoryTarget: upload.NewMemoryTarget(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	guard := upload.NewGuard(nil, logger.Discard())
	s := newService(t, db, func(c *Config) {
		c.Objects = target
		c.Guard = guard
	})

	blob := bytes.Repeat([]byte{0xFF, 0xD8}, 64)
	done := make(chan error, 1)
	go func() {
		_, err := s.AddPhoto(ctx, &schema.Record{ID: "ph-1", ProjectID: "p1", Blob: blob})
		done <- err
	}()

	select {
	case <-target.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	s.SetVisibility(ctx, true)
	st, ok := guard.Status("photo-ph-1")
	require.True(t, ok)
	assert.True(t, st.Background)
	assert.Equal(t, upload.BackgroundNote, st.Note)

	released := time.Now()
	close(target.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not finish after release")
	}
	assert.Less(t, time.Since(released), time.Second, "hiding does not slow the upload")

	stored, ok := target.Get(upload.ObjectKey("p1", blob))
	require.True(t, ok)
	assert.Equal(t, blob, stored)
	assert.Empty(t, guard.Active())

	s.SetVisibility(ctx, false)
}

func TestRequestSyncInProcess(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	d := &fakeDrainer{result: schema.SyncResult{SyncedCount: 2, FailedCount: 1}}
	s := newService(t, db, func(c *Config) {
		c.Drainer = d
		c.ChannelURL = "ws://127.0.0.1:1/ws"
		c.DialTimeout = 200 * time.Millisecond
	})

	report, err := s.RequestSync(ctx)
	require.NoError(t, err)
	assert.False(t, report.Coordinator)
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int64(1), d.calls.Load())

	s = newService(t, db, nil)
	_, err = s.RequestSync(ctx)
	assert.True(t, errors.Is(err, ErrNoCoordinator))
}

func TestRequestSyncViaCoordinator(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var stops atomic.Int64
	var hub *channel.Hub
	hub = channel.NewHub(channel.HubConfig{
		Handler: func(ctx context.Context, from *channel.Peer, msg channel.Message) {
			switch msg.Type {
			case channel.RequestSync:
				hub.Publish(channel.SyncStart, channel.SyncStartData{Trigger: "manual"})
				hub.Publish(channel.SyncComplete, channel.SyncCompleteData{AllSucceeded: true, Synced: 4, Remaining: 0})
			case channel.StopSync:
				stops.Add(1)
			}
		},
		Logger: logger.Discard(),
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	d := &fakeDrainer{}
	s := newService(t, openDB(t), func(c *Config) {
		c.Drainer = d
		c.ChannelURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	})

	report, err := s.RequestSync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Coordinator)
	assert.Equal(t, 4, report.Synced)
	assert.Zero(t, d.calls.Load())

	require.NoError(t, s.StopSync(ctx))
	require.Eventually(t, func() bool { return stops.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopSyncWithoutCoordinator(t *testing.T) {
	s := newService(t, openDB(t), nil)
	err := s.StopSync(context.Background())
	assert.True(t, errors.Is(err, ErrNoCoordinator))
}
