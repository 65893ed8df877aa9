package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/bundle"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/remote"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/syncq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1 << 20

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newManager(t *testing.T, db *store.DB, cfg Config) *Manager {
	t.Helper()
	cfg.Clock = func() time.Time { return now }
	cfg.Logger = logger.Discard()
	return New(db, nil, cfg)
}

func record(id string, status schema.SyncStatus, updated time.Time) *schema.Record {
	return &schema.Record{
		ID:         id,
		ProjectID:  "proj-1",
		Payload:    json.RawMessage(`{"rating":3}`),
		SyncStatus: status,
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func photo(id string, status schema.SyncStatus, updated time.Time, blob, original int) *schema.Record {
	r := record(id, status, updated)
	if blob > 0 {
		r.Blob = make([]byte, blob)
	}
	if original > 0 {
		r.OriginalBlob = make([]byte, original)
	}
	return r
}

func TestEvictPhotos_Scenario(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	// a is the least recently updated synced photo.
	require.NoError(t, db.Put(ctx, schema.Photos, photo("a", schema.StatusSynced, now.Add(-3*time.Hour), 2*mb, 5*mb)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("b", schema.StatusSynced, now.Add(-2*time.Hour), 0, 10*mb)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("c", schema.StatusPending, now.Add(-4*time.Hour), 0, 8*mb)))

	freed, err := m.EvictPhotosIfNeeded(ctx, 7*mb)
	require.NoError(t, err)
	assert.Equal(t, int64(15*mb), freed)

	a, err := db.Get(ctx, schema.Photos, "a")
	require.NoError(t, err)
	assert.Nil(t, a.OriginalBlob)
	assert.Len(t, a.Blob, 2*mb, "working blob must survive while originals suffice")

	b, err := db.Get(ctx, schema.Photos, "b")
	require.NoError(t, err)
	assert.Nil(t, b.OriginalBlob)

	c, err := db.Get(ctx, schema.Photos, "c")
	require.NoError(t, err)
	assert.Len(t, c.OriginalBlob, 8*mb, "pending photo must never be evicted")
}

func TestEvictPhotos_StopsAtTarget(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	require.NoError(t, db.Put(ctx, schema.Photos, photo("old", schema.StatusSynced, now.Add(-2*time.Hour), 100, 400)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("new", schema.StatusSynced, now.Add(-time.Hour), 100, 400)))

	freed, err := m.EvictPhotosIfNeeded(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(400), freed)

	fresh, err := db.Get(ctx, schema.Photos, "new")
	require.NoError(t, err)
	assert.Len(t, fresh.OriginalBlob, 400, "newer photo untouched once target met")
}

func TestEvictPhotos_WorkingBlobsAfterOriginals(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	require.NoError(t, db.Put(ctx, schema.Photos, photo("p1", schema.StatusSynced, now.Add(-2*time.Hour), 300, 100)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("p2", schema.StatusSynced, now.Add(-time.Hour), 300, 100)))

	freed, err := m.EvictPhotosIfNeeded(ctx, 350)
	require.NoError(t, err)
	assert.Equal(t, int64(500), freed)

	p1, _ := db.Get(ctx, schema.Photos, "p1")
	p2, _ := db.Get(ctx, schema.Photos, "p2")
	assert.Nil(t, p1.Blob)
	assert.Nil(t, p1.OriginalBlob)
	assert.Len(t, p2.Blob, 300)
	assert.Nil(t, p2.OriginalBlob)
}

func TestEvictPhotos_CandidatesExhausted(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	require.NoError(t, db.Put(ctx, schema.Photos, photo("s", schema.StatusSynced, now, 10, 20)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("f", schema.StatusFailed, now, 10, 1000)))

	freed, err := m.EvictPhotosIfNeeded(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(30), freed)
	assert.LessOrEqual(t, freed, int64(500))

	f, _ := db.Get(ctx, schema.Photos, "f")
	assert.Len(t, f.OriginalBlob, 1000)
}

func TestRunCleanup_OnlySyncedAndOld(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{Retention: 24 * time.Hour})

	old := now.Add(-48 * time.Hour)
	for _, s := range []schema.SyncStatus{schema.StatusPending, schema.StatusSyncing, schema.StatusFailed} {
		require.NoError(t, db.Put(ctx, schema.Assessments, record("a-"+string(s), s, old)))
	}
	require.NoError(t, db.Put(ctx, schema.Assessments, record("a-synced-old", schema.StatusSynced, old)))
	require.NoError(t, db.Put(ctx, schema.Assessments, record("a-synced-new", schema.StatusSynced, now)))
	require.NoError(t, db.Put(ctx, schema.Photos, photo("p-synced-old", schema.StatusSynced, old, 10, 10)))
	require.NoError(t, db.Put(ctx, schema.Deficiencies, record("d-synced-old", schema.StatusSynced, old)))
	require.NoError(t, db.Enqueue(ctx, &schema.QueueEntry{
		Collection: schema.Assessments, RecordID: "vanished", Op: schema.OpUpdate, CreatedAt: old,
	}))

	res, err := m.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedAssessments)
	assert.Equal(t, 1, res.DeletedPhotos)
	assert.Equal(t, 1, res.DeletedDeficiencies)
	assert.Equal(t, 1, res.DeletedSyncItems)
	assert.Greater(t, res.FreedBytes, int64(20))

	left, err := db.GetAll(ctx, schema.Assessments)
	require.NoError(t, err)
	ids := make([]string, 0, len(left))
	for _, r := range left {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"a-pending", "a-syncing", "a-failed", "a-synced-new"}, ids)

	second, err := m.RunCleanup(ctx)
	require.NoError(t, err)
	assert.True(t, second.Empty(), "second cleanup should be a no-op, got %+v", second)
}

func TestWarnings_Thresholds(t *testing.T) {
	m := newManager(t, nil, Config{})
	stats := &schema.StorageStats{}

	tests := []struct {
		name    string
		percent float64
		want    []schema.WarningType
	}{
		{"below high", 79.9, nil},
		{"exactly high", 80, []schema.WarningType{schema.WarningQuotaHigh}},
		{"between", 90, []schema.WarningType{schema.WarningQuotaHigh}},
		{"exactly critical", 95, []schema.WarningType{schema.WarningQuotaCritical}},
		{"full", 100, []schema.WarningType{schema.WarningQuotaCritical}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			usage := &schema.UsageSnapshot{UsedBytes: 1, QuotaBytes: 100, Percent: tt.percent}
			var got []schema.WarningType
			for _, w := range m.warnings(usage, stats, now) {
				got = append(got, w.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWarnings_StaleFailedAuth(t *testing.T) {
	m := newManager(t, nil, Config{
		TokenExpiry: func() (time.Time, bool) { return now.Add(2 * time.Hour), true },
	})

	fresh := now.Add(-6 * 24 * time.Hour)
	stale := now.Add(-8 * 24 * time.Hour)
	usage := &schema.UsageSnapshot{}

	types := func(ws []schema.Warning) map[schema.WarningType]schema.Severity {
		out := make(map[schema.WarningType]schema.Severity)
		for _, w := range ws {
			out[w.Type] = w.Severity
		}
		return out
	}

	got := types(m.warnings(usage, &schema.StorageStats{OldestPending: &fresh}, now))
	assert.NotContains(t, got, schema.WarningSyncStale)
	assert.Equal(t, schema.SeverityInfo, got[schema.WarningAuthExpiring])

	got = types(m.warnings(usage, &schema.StorageStats{OldestPending: &stale, FailedCount: 2}, now))
	assert.Contains(t, got, schema.WarningSyncStale)
	assert.Equal(t, schema.SeverityWarning, got[schema.WarningSyncFailed])
}

func TestRefreshStats(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	var broadcasts atomic.Int32
	m := New(db, platform.FixedQuota{Available: 1 << 30}, Config{
		Clock:     func() time.Time { return now },
		Logger:    logger.Discard(),
		OnRefresh: func(*Report) { broadcasts.Add(1) },
	})

	_, err := db.SaveWithEntry(ctx, schema.Assessments, record("a1", schema.StatusPending, now.Add(-10*24*time.Hour)), schema.OpCreate)
	require.NoError(t, err)

	report, err := m.RefreshStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.PendingCount)
	assert.Equal(t, 1, report.Stats.QueueLength)
	assert.NotNil(t, report.Stats.OldestPending)
	assert.Greater(t, report.Usage.UsedBytes, int64(0))
	assert.Equal(t, report.Usage.UsedBytes+(1<<30), report.Usage.QuotaBytes)
	assert.Equal(t, int32(1), broadcasts.Load())

	// The queue entry was created now, so the queue is not stale yet.
	for _, w := range report.Warnings {
		assert.NotEqual(t, schema.WarningQuotaHigh, w.Type)
	}
}

func TestDismissAndState(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	require.NoError(t, db.Put(ctx, schema.Deficiencies, record("d1", schema.StatusFailed, now)))

	state, err := m.State(ctx)
	require.NoError(t, err)
	require.Len(t, state.Warnings, 1)
	assert.Equal(t, schema.WarningSyncFailed, state.Warnings[0].Type)

	m.Dismiss(state.Warnings[0].ID)
	state, err = m.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Warnings)

	report, err := m.RefreshStats(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Warnings, 1, "condition still holds, so the warning is regenerated")
}

func TestEnsureSpace(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, schema.Photos, photo("p1", schema.StatusSynced, now, 100, 4000)))
	m := newManager(t, db, Config{MaxBytes: 5000})

	require.NoError(t, m.EnsureSpace(ctx, 2000))
	p1, _ := db.Get(ctx, schema.Photos, "p1")
	assert.Nil(t, p1.OriginalBlob)

	err := m.EnsureSpace(ctx, 10000)
	assert.True(t, errors.Is(err, schema.ErrQuotaExceeded), "got %v", err)
}

func TestClearData(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	require.NoError(t, db.Put(ctx, schema.Assessments, record("s", schema.StatusSynced, now)))
	_, err := db.SaveWithEntry(ctx, schema.Assessments, record("p", schema.StatusPending, now), schema.OpCreate)
	require.NoError(t, err)

	res, err := m.ClearSyncedData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedAssessments)
	_, err = db.Get(ctx, schema.Assessments, "p")
	require.NoError(t, err, "unsynced record must survive ClearSyncedData")

	res, err = m.ClearAllData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedAssessments)
	assert.Equal(t, 1, res.DeletedSyncItems)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openStore(t)
	ctx := context.Background()
	m := newManager(t, src, Config{ExportInlineLimit: 1000})

	require.NoError(t, src.Put(ctx, schema.Assessments, record("a1", schema.StatusSynced, now)))
	require.NoError(t, src.Put(ctx, schema.Deficiencies, record("d1", schema.StatusPending, now)))
	require.NoError(t, src.Put(ctx, schema.Photos, photo("small", schema.StatusSynced, now, 50, 50)))
	require.NoError(t, src.Put(ctx, schema.Photos, photo("big", schema.StatusSynced, now, 50, 5000)))

	var buf bytes.Buffer
	b, err := m.ExportData(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Len())

	dst := openStore(t)
	m2 := newManager(t, dst, Config{})
	n, err := m2.ImportData(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, c := range schema.DomainCollections() {
		want, _ := src.GetAll(ctx, c)
		got, _ := dst.GetAll(ctx, c)
		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.JSONEq(t, string(want[i].Payload), string(got[i].Payload))
		}
	}

	small, _ := dst.Get(ctx, schema.Photos, "small")
	assert.Len(t, small.Blob, 50)

	entries, err := dst.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "restored pending work is queued again")
	assert.Equal(t, "d1", entries[0].RecordID)
}

func TestImport_MissingVersionLeavesStoreUnchanged(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})
	require.NoError(t, db.Put(ctx, schema.Assessments, record("keep", schema.StatusPending, now)))

	doc := `{"exportedAt":"2026-05-10T12:00:00Z","assessments":[{"id":"x","projectId":"p","syncStatus":"synced","createdAt":"2026-05-10T12:00:00Z","updatedAt":"2026-05-10T12:00:00Z"}],"photos":[],"deficiencies":[]}`
	_, err := m.ImportData(ctx, strings.NewReader(doc))
	assert.True(t, errors.Is(err, schema.ErrImportMalformed), "got %v", err)

	all, err := db.GetAll(ctx, schema.Assessments)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", all[0].ID)
}

type countingRemote struct {
	mu    sync.Mutex
	calls []string
}

func (r *countingRemote) Apply(ctx context.Context, entry *schema.QueueEntry, rec *schema.Record) (*remote.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, entry.RecordID+":"+string(rec.Payload))
	return &remote.Ack{}, nil
}

func TestImport_KeepsUnsyncedLocalWork(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	m := newManager(t, db, Config{})

	edited := record("a1", schema.StatusPending, now)
	edited.Payload = json.RawMessage(`{"rating":5}`)
	_, err := db.SaveWithEntry(ctx, schema.Assessments, edited, schema.OpUpdate)
	require.NoError(t, err)

	same := record("d1", schema.StatusFailed, now)
	same.Payload = json.RawMessage(`{"note":"local"}`)
	_, err = db.SaveWithEntry(ctx, schema.Deficiencies, same, schema.OpCreate)
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, schema.Deficiencies, record("d2", schema.StatusSynced, now.Add(-time.Hour))))

	older := record("a1", schema.StatusSynced, now.Add(-time.Hour))
	sameVersion := record("d1", schema.StatusSynced, now)
	newer := record("d2", schema.StatusSynced, now)
	newer.Payload = json.RawMessage(`{"note":"from backup"}`)
	b := bundle.Build(map[schema.Collection][]*schema.Record{
		schema.Assessments:  {older},
		schema.Deficiencies: {sameVersion, newer},
	}, bundle.Options{Now: now})
	var buf bytes.Buffer
	require.NoError(t, bundle.Encode(&buf, b))

	n, err := m.ImportData(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the newer backup copy is written")

	a1, err := db.Get(ctx, schema.Assessments, "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, a1.SyncStatus)
	assert.JSONEq(t, `{"rating":5}`, string(a1.Payload))

	d1, err := db.Get(ctx, schema.Deficiencies, "d1")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, d1.SyncStatus)

	d2, err := db.Get(ctx, schema.Deficiencies, "d2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"from backup"}`, string(d2.Payload))

	r := &countingRemote{}
	result, err := syncq.New(db, r, syncq.Config{Logger: logger.Discard()}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SyncedCount)
	assert.Equal(t, []string{`a1:{"rating":5}`, `d1:{"note":"local"}`}, r.calls, "local edits reach the server")

	entries, err := db.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type manualTicker struct{ ch chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

func TestCleanupTimer_Idempotent(t *testing.T) {
	ticker := &manualTicker{ch: make(chan time.Time)}
	runs := make(chan struct{}, 4)
	created := 0

	timer := &CleanupTimer{
		Interval: time.Hour,
		Run:      func(context.Context) { runs <- struct{}{} },
		NewTicker: func(time.Duration) Ticker {
			created++
			return ticker
		},
	}

	timer.Stop() // stopping a stopped timer is a no-op
	timer.Start(context.Background())
	timer.Start(context.Background())
	assert.Equal(t, 1, created, "second Start must not create another ticker")
	assert.True(t, timer.Running())

	ticker.ch <- now
	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run on tick")
	}

	timer.Stop()
	timer.Stop()
	assert.False(t, timer.Running())

	timer.Start(context.Background())
	assert.Equal(t, 2, created)
	timer.Stop()
}
