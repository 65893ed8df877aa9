package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/cache"
	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/remote"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/syncq"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler records wakes without running them.
type fakeScheduler struct {
	mu       sync.Mutex
	once     []string
	periodic map[string]time.Duration
	deny     bool
}

func (s *fakeScheduler) ScheduleOnce(name string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once = append(s.once, name)
}

func (s *fakeScheduler) RegisterPeriodic(name string, interval time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny {
		return platform.ErrPeriodicDenied
	}
	if s.periodic == nil {
		s.periodic = map[string]time.Duration{}
	}
	s.periodic[name] = interval
	return nil
}

func (s *fakeScheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.periodic, name)
}

func (s *fakeScheduler) scheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.once {
		if n == name {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu      sync.Mutex
	allowed bool
	got     []string
}

func (n *fakeNotifier) Permission() bool { return n.allowed }

func (n *fakeNotifier) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, title+": "+body)
	return nil
}

func (n *fakeNotifier) notifications() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.got...)
}

type fixture struct {
	api       *httptest.Server
	puts      atomic.Int64
	db        *store.DB
	cache     cache.Cache
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	guard     *upload.Guard
	config    Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		scheduler: &fakeScheduler{},
		notifier:  &fakeNotifier{allowed: true},
		guard:     upload.NewGuard(nil, logger.Discard()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"invalid payload"}`))
			return
		}
		f.puts.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`console.log(1)`))
	})
	mux.HandleFunc("/app.css", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`body{}`))
	})
	f.api = httptest.NewServer(mux)
	t.Cleanup(f.api.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	f.db = db
	f.cache = cache.NewSQLite(db.RawDB())

	rc, err := remote.New(remote.Config{BaseURL: f.api.URL, Logger: logger.Discard()})
	require.NoError(t, err)

	origin, err := url.Parse(f.api.URL)
	require.NoError(t, err)

	f.config = Config{
		DB:                   db,
		Quota:                quota.New(db, platform.FixedQuota{Available: 1 << 30, Total: 1 << 30}, quota.Config{Logger: logger.Discard()}),
		Remote:               rc,
		Cache:                f.cache,
		Origin:               origin,
		Allowlist:            []string{"/api/projects"},
		Scheduler:            f.scheduler,
		Notifier:             f.notifier,
		Guard:                f.guard,
		ConnectivityInterval: 50 * time.Millisecond,
		Logger:               logger.Discard(),
	}
	return f
}

func (f *fixture) start(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(f.config)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func (f *fixture) save(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	rec := &schema.Record{
		ID:         id,
		ProjectID:  "p1",
		Payload:    json.RawMessage(`{"note":"x"}`),
		SyncStatus: schema.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := f.db.SaveWithEntry(context.Background(), schema.Assessments, rec, schema.OpCreate)
	require.NoError(t, err)
}

func serve(t *testing.T, c *Coordinator) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, c *Coordinator, wsURL string) *channel.Client {
	t.Helper()
	client, err := channel.Dial(context.Background(), wsURL, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.Eventually(t, func() bool { return c.Hub().PeerCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	return client
}

// await reads messages until one of type typ arrives and returns the types
// seen on the way.
func await(t *testing.T, client *channel.Client, typ channel.Type) (channel.Message, []channel.Type) {
	t.Helper()
	var seen []channel.Type
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-client.Messages():
			seen = append(seen, msg.Type)
			if msg.Type == typ {
				return msg, seen
			}
		case <-timeout:
			t.Fatalf("no %s message; saw %v", typ, seen)
		}
	}
}

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestSyncNowBroadcastsAndNotifies(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	_, wsURL := serve(t, c)
	client := dial(t, c, wsURL)

	f.save(t, "good")
	f.save(t, "bad")

	result, err := c.SyncNow(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.False(t, result.AllSucceeded())

	msg, seen := await(t, client, channel.SyncComplete)
	assert.Contains(t, seen, channel.SyncStart)
	assert.NotContains(t, seen, channel.CheckPendingData, "manual sync does not announce pending data")

	var done channel.SyncCompleteData
	require.NoError(t, msg.Decode(&done))
	assert.False(t, done.AllSucceeded)
	assert.Equal(t, 1, done.Synced)
	assert.Equal(t, 1, done.Failed)
	assert.Equal(t, 1, done.Remaining, "rejected entry stays queued")

	notes := f.notifier.notifications()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "Sync incomplete")

	good, err := f.db.Get(context.Background(), schema.Assessments, "good")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, good.SyncStatus)
	bad, err := f.db.Get(context.Background(), schema.Assessments, "bad")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, bad.SyncStatus)

	last, ok := c.LastResult()
	require.True(t, ok)
	assert.Equal(t, done, last)
}

func TestBackgroundSyncAnnouncesPendingData(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	_, wsURL := serve(t, c)
	client := dial(t, c, wsURL)

	f.save(t, "a")
	f.save(t, "b")

	result, err := c.SyncNow(context.Background(), TriggerPeriodic)
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded())
	assert.Equal(t, 2, result.SyncedCount)

	pending, _ := await(t, client, channel.CheckPendingData)
	var data channel.CheckPendingDataData
	require.NoError(t, pending.Decode(&data))
	assert.Equal(t, 2, data.Pending)

	start, _ := await(t, client, channel.SyncStart)
	var sd channel.SyncStartData
	require.NoError(t, start.Decode(&sd))
	assert.Equal(t, string(TriggerPeriodic), sd.Trigger)

	await(t, client, channel.SyncComplete)
	assert.Empty(t, f.notifier.notifications(), "clean background sync raises no notification")
}

func TestNotificationNeedsPermission(t *testing.T) {
	f := newFixture(t)
	f.notifier.allowed = false
	c := f.start(t)

	f.save(t, "bad")
	result, err := c.SyncNow(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)
	assert.Empty(t, f.notifier.notifications())
}

func TestStopSync(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	f.save(t, "a")

	c.StopSync()
	assert.True(t, c.Stopped())

	_, err := c.SyncNow(context.Background(), TriggerConnectivity)
	assert.True(t, errors.Is(err, syncq.ErrStopped))
	assert.Zero(t, f.puts.Load())

	result, err := c.SyncNow(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.False(t, c.Stopped(), "manual sync resumes")
	assert.Equal(t, 1, result.SyncedCount)
}

func TestStartRegistersWakes(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)

	f.scheduler.mu.Lock()
	interval := f.scheduler.periodic[periodicTask]
	f.scheduler.mu.Unlock()
	assert.Equal(t, platform.MinPeriodicInterval, interval)

	require.Eventually(t, func() bool { return f.scheduler.scheduled(connectivityTask) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Online())
}

func TestStartToleratesDeniedPeriodic(t *testing.T) {
	f := newFixture(t)
	f.scheduler.deny = true
	c := f.start(t)

	phase, version := c.Phase()
	assert.Equal(t, PhaseActive, phase)
	assert.Equal(t, "1", version)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	// A partition left behind by an older version.
	require.NoError(t, f.cache.Put(ctx, "static-v0", &cache.Response{URL: "/old.js", Status: 200, Body: []byte("old")}))

	f.config.ManifestPath = writeManifest(t, dir, "manifest.yaml", "version: \"1\"\nurls:\n  - /app.js\n")
	c := f.start(t)

	assert.Equal(t, "1", c.ActiveVersion())
	assert.Equal(t, "static-v1", c.Interceptor().StaticCache())
	cached, err := f.cache.Get(ctx, "static-v1", f.api.URL+"/app.js")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "console.log(1)", string(cached.Body))

	names, err := f.cache.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "static-v0")

	_, wsURL := serve(t, c)
	client := dial(t, c, wsURL)

	m2, err := LoadManifest(writeManifest(t, dir, "next.toml", "version = \"2\"\nurls = [\"/app.css\"]\n"))
	require.NoError(t, err)
	require.NoError(t, c.Install(ctx, m2))

	phase, version := c.Phase()
	assert.Equal(t, PhaseWaiting, phase, "open instance holds back activation")
	assert.Equal(t, "1", version)

	require.NoError(t, client.Send(ctx, channel.SkipWaiting, nil))
	msg, _ := await(t, client, channel.ControllerChange)
	var cc channel.ControllerChangeData
	require.NoError(t, msg.Decode(&cc))
	assert.Equal(t, "2", cc.Version)

	assert.Equal(t, "static-v2", c.Interceptor().StaticCache())
	names, err = f.cache.Names(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "static-v1")
	assert.Contains(t, names, "static-v2")

	active, err := f.db.GetMeta(ctx, metaActiveVersion)
	require.NoError(t, err)
	assert.Equal(t, "2", active)
}

func TestActivateWhenLastPeerLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.start(t)
	_, wsURL := serve(t, c)
	client := dial(t, c, wsURL)

	require.NoError(t, c.Install(ctx, &Manifest{Version: "2"}))
	phase, _ := c.Phase()
	require.Equal(t, PhaseWaiting, phase)

	client.Close()
	require.Eventually(t, func() bool { return c.ActiveVersion() == "2" }, 2*time.Second, 10*time.Millisecond)
}

func TestMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.start(t)
	_, wsURL := serve(t, c)
	client := dial(t, c, wsURL)

	require.NoError(t, client.Send(ctx, channel.CacheURLs, channel.CacheURLsData{URLs: []string{"/app.js"}}))
	require.Eventually(t, func() bool {
		r, err := f.cache.Get(ctx, "static-v1", f.api.URL+"/app.js")
		return err == nil && r != nil
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := client.Request(ctx, channel.GetCacheSize, nil)
	require.NoError(t, err)
	var size channel.CacheSizeData
	require.NoError(t, reply.Decode(&size))
	assert.Equal(t, int64(len("console.log(1)")), size.Size)

	require.NoError(t, client.Send(ctx, channel.ClearCache, channel.ClearCacheData{CacheName: "static-v1"}))
	require.Eventually(t, func() bool {
		n, err := f.cache.Size(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	release := make(chan struct{})
	go func() {
		_ = f.guard.Run(ctx, "photo-1", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	defer close(release)
	require.Eventually(t, func() bool {
		_, ok := f.guard.Status("photo-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Send(ctx, channel.Visibility, channel.VisibilityData{Hidden: true}))
	require.Eventually(t, func() bool {
		st, _ := f.guard.Status("photo-1")
		return st.Background && st.Note == upload.BackgroundNote
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Send(ctx, channel.StopSync, nil))
	require.Eventually(t, c.Stopped, 2*time.Second, 10*time.Millisecond)
}

func TestRequestSyncAndRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.start(t)
	_, wsURL := serve(t, c)
	sender := dial(t, c, wsURL)
	other, err := channel.Dial(ctx, wsURL, logger.Discard())
	require.NoError(t, err)
	defer other.Close()
	require.Eventually(t, func() bool { return c.Hub().PeerCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	f.save(t, "a")
	require.NoError(t, sender.Send(ctx, channel.RequestSync, nil))
	await(t, other, channel.SyncComplete)
	assert.Equal(t, int64(1), f.puts.Load())

	// A foreground drain reported by one instance reaches the others and
	// always raises a notification.
	require.NoError(t, sender.Send(ctx, channel.SyncComplete, channel.SyncCompleteData{AllSucceeded: true, Synced: 3}))
	msg, _ := await(t, other, channel.SyncComplete)
	var done channel.SyncCompleteData
	require.NoError(t, msg.Decode(&done))
	assert.Equal(t, 3, done.Synced)
	require.Eventually(t, func() bool { return len(f.notifier.notifications()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Sync complete: All 3 changes were synced.", f.notifier.notifications()[0])
}

func TestHandlerEndpoints(t *testing.T) {
	f := newFixture(t)
	c := f.start(t)
	srv, _ := serve(t, c)

	f.save(t, "a")
	_, err := c.SyncNow(context.Background(), TriggerManual)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, "1", st.ActiveVersion)
	require.NotNil(t, st.LastSync)
	assert.Equal(t, 1, st.LastSync.Synced)
	require.NotNil(t, st.Storage)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `fieldsync_sync_cycles_total{trigger="manual"} 1`)
	assert.Contains(t, string(body), `fieldsync_sync_entries_total{outcome="synced"} 1`)

	resp, err = http.Get(srv.URL + ProxyPrefix + "/app.js")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(body))

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadManifest(writeManifest(t, dir, "m.yml", "version: v3\nurls: [/a.js, /b.css]\n"))
	require.NoError(t, err)
	assert.Equal(t, "v3", m.Version)
	assert.Equal(t, []string{"/a.js", "/b.css"}, m.URLs)
	assert.Equal(t, "static-v3", m.Partition())

	m, err = LoadManifest(writeManifest(t, dir, "m.toml", "version = \"4\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "static-v4", m.Partition())

	_, err = LoadManifest(writeManifest(t, dir, "empty.yaml", "urls: [/a.js]\n"))
	assert.Error(t, err)

	_, err = LoadManifest(writeManifest(t, dir, "m.json", "{}"))
	assert.Error(t, err)
}

func TestManifestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "manifest.yaml", "version: \"1\"\n")

	mw, err := NewManifestWatcher(path)
	require.NoError(t, err)
	mw.Debounce = 20 * time.Millisecond
	require.NoError(t, mw.Start())
	defer mw.Stop()

	writeManifest(t, dir, "unrelated.yaml", "version: \"9\"\n")
	writeManifest(t, dir, "manifest.yaml", "version: \"2\"\n")

	select {
	case <-mw.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "2", m.Version)
}

func TestCompletionText(t *testing.T) {
	title, body := completionText(channel.SyncCompleteData{AllSucceeded: true, Synced: 2})
	assert.Equal(t, "Sync complete", title)
	assert.Equal(t, "All 2 changes were synced.", body)

	title, body = completionText(channel.SyncCompleteData{Synced: 1, Failed: 2})
	assert.Equal(t, "Sync incomplete", title)
	assert.Contains(t, body, "2 failed")
}
