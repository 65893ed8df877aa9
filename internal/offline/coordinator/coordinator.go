// Package coordinator is the long-lived background process that drains the
// sync queue, owns the read-path caches and talks to open foreground
// instances over the message channel.
//
// The coordinator:
//  1. Installs the static asset manifest into a versioned cache partition
//  2. Activates it (immediately on first install, otherwise once no
//     instance is open or one sends SKIP_WAITING) and claims open instances
//  3. Drains the queue on wake: manual request, regained connectivity, or a
//     best-effort periodic trigger
//  4. Broadcasts SYNC_START and SYNC_COMPLETE to every open instance
//  5. Runs hourly cleanup and relays storage warnings
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/cache"
	"github.com/assessly/fieldsync/internal/offline/channel"
	"github.com/assessly/fieldsync/internal/offline/fetch"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/syncq"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Trigger names what woke the coordinator.
type Trigger string

const (
	TriggerManual       Trigger = "manual"
	TriggerConnectivity Trigger = "connectivity"
	TriggerPeriodic     Trigger = "periodic"
)

const (
	periodicTask     = "sync-periodic"
	connectivityTask = "sync-connectivity"
)

// Remote is the remote API as seen by the coordinator.
type Remote interface {
	syncq.Remote
	Health(ctx context.Context) error
}

// Config holds coordinator configuration.
type Config struct {
	DB     *store.DB
	Quota  *quota.Manager
	Remote Remote
	Cache  cache.Cache

	// Origin is the upstream the read-path proxy forwards to. Relative
	// manifest urls resolve against it.
	Origin *url.URL
	// Allowlist holds API path prefixes served stale-while-revalidate.
	Allowlist []string
	// StaticPrefixes holds path prefixes treated as static assets.
	StaticPrefixes []string
	// ManifestPath points to the precache manifest. Empty means nothing is
	// precached.
	ManifestPath string

	Scheduler platform.Scheduler
	Notifier  platform.Notifier
	// Guard receives visibility changes reported by foreground instances.
	Guard *upload.Guard

	// Listen is the address of the HTTP surface (channel, health, metrics, proxy).
	Listen string

	PeriodicInterval     time.Duration
	ConnectivityInterval time.Duration
	CleanupInterval      time.Duration

	// Registry receives the coordinator metrics. Nil creates a private one.
	Registry *prometheus.Registry

	Logger *logging.Logger
}

// Phase is the lifecycle phase of the installed static version.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseWaiting    Phase = "waiting"
	PhaseActive     Phase = "active"
)

// Coordinator is the background sync coordinator.
type Coordinator struct {
	config  Config
	log     *logging.Logger
	hub     *channel.Hub
	fetch   *fetch.Interceptor
	syncer  *syncq.Syncer
	metrics *Metrics
	cleanup *quota.CleanupTimer

	group  singleflight.Group
	paused atomic.Bool
	online atomic.Bool

	mu      sync.Mutex
	phase   Phase
	active  string
	waiting *Manifest
	last    *channel.SyncCompleteData
	started bool

	manifest *ManifestWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Start or Run to begin.
func New(config Config) (*Coordinator, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config.Quota == nil {
		return nil, fmt.Errorf("quota manager cannot be nil")
	}
	if config.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if config.Scheduler == nil {
		config.Scheduler = platform.NewTickerScheduler(config.Logger)
	}
	if config.PeriodicInterval == 0 {
		config.PeriodicInterval = platform.MinPeriodicInterval
	}
	if config.ConnectivityInterval == 0 {
		config.ConnectivityInterval = 10 * time.Second
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	c := &Coordinator{
		config:  config,
		log:     logger.OrDefault(config.Logger),
		metrics: NewMetrics(config.Registry),
		phase:   PhaseInstalling,
	}
	c.hub = channel.NewHub(channel.HubConfig{
		Handler:        c.handleMessage,
		OnPeersChanged: c.onPeersChanged,
		Logger:         config.Logger,
	})
	c.fetch = fetch.New(fetch.Config{
		Cache:          config.Cache,
		Allowlist:      config.Allowlist,
		StaticPrefixes: config.StaticPrefixes,
		OnResult:       c.cacheResult,
		Logger:         config.Logger,
	})
	c.syncer = syncq.New(config.DB, config.Remote, syncq.Config{
		OnEntry: func(_ *schema.QueueEntry, o syncq.Outcome) {
			c.metrics.SyncEntries.WithLabelValues(string(o)).Inc()
		},
		ShouldStop: c.paused.Load,
		Logger:     config.Logger,
	})
	c.cleanup = quota.NewCleanupTimer(config.Quota, config.CleanupInterval)
	return c, nil
}

// Hub returns the message channel hub.
func (c *Coordinator) Hub() *channel.Hub { return c.hub }

// Interceptor returns the read-path interceptor.
func (c *Coordinator) Interceptor() *fetch.Interceptor { return c.fetch }

// Phase returns the lifecycle phase and the active static version.
func (c *Coordinator) Phase() (Phase, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase, c.active
}

// Online reports whether the last connectivity check reached the API.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// Start installs the current manifest and starts background work. It
// returns once the coordinator is running; Stop ends it.
func (c *Coordinator) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()
	defer func() {
		if err != nil {
			c.cancel()
			c.mu.Lock()
			c.started = false
			c.mu.Unlock()
		}
	}()

	c.log.Infof("Starting coordinator")

	active, err := c.config.DB.GetMeta(ctx, metaActiveVersion)
	if err != nil {
		return fmt.Errorf("failed to read active version: %w", err)
	}
	if active != "" {
		c.mu.Lock()
		c.active = active
		c.phase = PhaseActive
		c.mu.Unlock()
		c.fetch.SetStaticCache(StaticPartition(active))
		c.log.Infof("Resuming with active version %s", active)
	}

	m := &Manifest{Version: "1"}
	if c.config.ManifestPath != "" {
		if m, err = LoadManifest(c.config.ManifestPath); err != nil {
			return err
		}
	}
	if err := c.Install(ctx, m); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	c.config.Quota.SetOnRefresh(c.onReport)
	if _, err := c.config.Quota.RefreshStats(ctx); err != nil {
		c.log.Warningf("Initial storage refresh failed: %v", err)
	}
	c.cleanup.Start(c.ctx)

	if err := c.config.Scheduler.RegisterPeriodic(periodicTask, c.config.PeriodicInterval, func() {
		c.wake(TriggerPeriodic)
	}); err != nil {
		c.log.Warningf("Periodic sync unavailable, relying on other wake triggers: %v", err)
	}

	if c.config.ManifestPath != "" {
		mw, err := NewManifestWatcher(c.config.ManifestPath)
		if err == nil {
			err = mw.Start()
		}
		if err != nil {
			c.log.Warningf("Manifest hot reload disabled: %v", err)
		} else {
			c.manifest = mw
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.watchManifest(c.ctx, mw)
			}()
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchConnectivity(c.ctx)
	}()

	return nil
}

// Stop halts background work and disconnects every instance.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	c.log.Infof("Stopping coordinator")
	c.cancel()
	c.config.Scheduler.Cancel(periodicTask)
	c.config.Scheduler.Cancel(connectivityTask)
	c.cleanup.Stop()
	if c.manifest != nil {
		if err := c.manifest.Stop(); err != nil {
			c.log.Warningf("Error closing manifest watcher: %v", err)
		}
	}
	c.wg.Wait()
	c.fetch.Wait()
	c.hub.Close()
	c.log.Infof("Coordinator stopped")
	return nil
}

// Run starts the coordinator and serves its HTTP surface on Listen until
// ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Listen, err)
	}
	if err := c.Start(ctx); err != nil {
		ln.Close()
		return err
	}
	defer c.Stop()

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.Infof("Coordinator listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Peers hold hijacked connections the server does not track.
		c.hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// SyncNow drains the queue. Concurrent calls share one drain.
//
// A manual trigger resumes a stopped sync; other triggers are skipped while
// sync is stopped and return syncq.ErrStopped.
func (c *Coordinator) SyncNow(ctx context.Context, trigger Trigger) (schema.SyncResult, error) {
	if trigger == TriggerManual {
		c.ResumeSync()
	} else if c.paused.Load() {
		return schema.SyncResult{}, syncq.ErrStopped
	}

	v, err, shared := c.group.Do("drain", func() (interface{}, error) {
		return c.drain(ctx, trigger)
	})
	if shared {
		c.log.Debugf("%s wake joined a drain already in progress", trigger)
	}
	result, _ := v.(schema.SyncResult)
	return result, err
}

// StopSync halts queue processing after the entry currently in flight.
func (c *Coordinator) StopSync() {
	if !c.paused.Swap(true) {
		c.log.Infof("Sync stopped by request")
	}
}

// ResumeSync allows queue processing again.
func (c *Coordinator) ResumeSync() {
	if c.paused.Swap(false) {
		c.log.Infof("Sync resumed")
	}
}

// Stopped reports whether sync is stopped.
func (c *Coordinator) Stopped() bool {
	return c.paused.Load()
}

// LastResult returns the outcome of the most recent drain.
func (c *Coordinator) LastResult() (channel.SyncCompleteData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return channel.SyncCompleteData{}, false
	}
	return *c.last, true
}

func (c *Coordinator) drain(ctx context.Context, trigger Trigger) (schema.SyncResult, error) {
	c.metrics.SyncCycles.WithLabelValues(string(trigger)).Inc()

	if trigger != TriggerManual {
		if entries, err := c.config.DB.Entries(ctx); err == nil {
			c.hub.Publish(channel.CheckPendingData, channel.CheckPendingDataData{Pending: len(entries)})
		}
	}
	c.hub.Publish(channel.SyncStart, channel.SyncStartData{Trigger: string(trigger)})

	result, err := c.syncer.Drain(ctx)

	remaining := 0
	if entries, qerr := c.config.DB.Entries(context.WithoutCancel(ctx)); qerr == nil {
		remaining = len(entries)
	}
	c.metrics.QueueLength.Set(float64(remaining))

	done := channel.SyncCompleteData{
		AllSucceeded: result.AllSucceeded() && err == nil,
		Synced:       result.SyncedCount,
		Failed:       result.FailedCount,
		Remaining:    remaining,
	}
	c.mu.Lock()
	c.last = &done
	c.mu.Unlock()
	c.hub.Publish(channel.SyncComplete, done)

	if result.FailedCount > 0 {
		c.notify(done)
	}

	if _, rerr := c.config.Quota.RefreshStats(context.WithoutCancel(ctx)); rerr != nil {
		c.log.Warningf("Storage refresh after sync failed: %v", rerr)
	}

	switch {
	case err == nil:
	case errors.Is(err, schema.ErrNetworkUnavailable):
		c.log.Infof("Sync deferred until connectivity returns: %v", err)
	case errors.Is(err, syncq.ErrStopped):
	default:
		c.log.Errorf("Sync failed: %v", err)
	}
	return result, err
}

// wake starts a drain in the background.
func (c *Coordinator) wake(trigger Trigger) {
	if c.paused.Load() {
		c.log.Infof("Skipping %s wake: sync stopped", trigger)
		return
	}
	c.background(func(ctx context.Context) {
		_, _ = c.SyncNow(ctx, trigger)
	})
}

// watchConnectivity polls the API and schedules a one-shot wake when it
// becomes reachable again.
func (c *Coordinator) watchConnectivity(ctx context.Context) {
	ticker := time.NewTicker(c.config.ConnectivityInterval)
	defer ticker.Stop()

	c.checkConnectivity(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkConnectivity(ctx)
		}
	}
}

func (c *Coordinator) checkConnectivity(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.ConnectivityInterval)
	err := c.config.Remote.Health(checkCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	was := c.online.Swap(online)
	switch {
	case online && !was:
		c.log.Infof("Connectivity available, scheduling sync")
		c.config.Scheduler.ScheduleOnce(connectivityTask, func() {
			c.wake(TriggerConnectivity)
		})
	case !online && was:
		c.log.Infof("Connectivity lost: %v", err)
	}
}

func (c *Coordinator) notify(d channel.SyncCompleteData) {
	n := c.config.Notifier
	if n == nil || !n.Permission() {
		c.log.Debugf("Notification permission not granted, skipping sync notification")
		return
	}
	title, body := completionText(d)
	if err := n.Notify(title, body); err != nil {
		c.log.Warningf("Failed to raise notification: %v", err)
	}
}

func completionText(d channel.SyncCompleteData) (string, string) {
	if d.AllSucceeded {
		return "Sync complete", fmt.Sprintf("All %d changes were synced.", d.Synced)
	}
	return "Sync incomplete", fmt.Sprintf("%d changes synced, %d failed. Open fieldsync to review them.", d.Synced, d.Failed)
}

func (c *Coordinator) onReport(r *quota.Report) {
	c.metrics.StorageUsed.Set(float64(r.Usage.UsedBytes))
	c.metrics.StoragePct.Set(r.Usage.Percent)
	c.hub.Publish(channel.StorageWarnings, channel.StorageWarningsData{
		Percent:  r.Usage.Percent,
		Warnings: r.Warnings,
	})
}

func (c *Coordinator) onPeersChanged(count int) {
	c.metrics.Peers.Set(float64(count))
	if count != 0 {
		return
	}
	c.background(func(ctx context.Context) {
		if err := c.maybeActivate(ctx, false); err != nil {
			c.log.Errorf("Activation failed: %v", err)
		}
	})
}
