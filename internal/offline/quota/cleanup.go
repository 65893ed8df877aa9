package quota

import (
	"context"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

// RunCleanup deletes records that are both synced and older than the
// retention period, plus queue entries whose record no longer exists.
// A failure on a single record is logged and the pass continues.
func (m *Manager) RunCleanup(ctx context.Context) (schema.CleanupResult, error) {
	return m.CleanupOlderThan(ctx, m.config.Clock().Add(-m.config.Retention))
}

// CleanupOlderThan is RunCleanup with an explicit cutoff.
func (m *Manager) CleanupOlderThan(ctx context.Context, cutoff time.Time) (schema.CleanupResult, error) {
	var res schema.CleanupResult

	for _, c := range schema.DomainCollections() {
		recs, err := m.db.ListSyncedBefore(ctx, c, cutoff)
		if err != nil {
			return res, err
		}
		for _, rec := range recs {
			deleted, size, err := m.db.DeleteIfSynced(ctx, c, rec.ID)
			if err != nil {
				m.log.Warningf("Cleanup: failed to delete %s %s: %v", c, rec.ID, err)
				continue
			}
			if !deleted {
				continue
			}
			res.FreedBytes += size
			switch c {
			case schema.Assessments:
				res.DeletedAssessments++
			case schema.Photos:
				res.DeletedPhotos++
			case schema.Deficiencies:
				res.DeletedDeficiencies++
			}
		}
	}

	orphans, err := m.db.OrphanedEntries(ctx)
	if err != nil {
		return res, err
	}
	for _, e := range orphans {
		if err := m.db.DeleteEntry(ctx, e.ID); err != nil {
			m.log.Warningf("Cleanup: failed to delete orphaned queue entry %s: %v", e.ID, err)
			continue
		}
		res.DeletedSyncItems++
		res.FreedBytes += e.Size()
	}

	if !res.Empty() {
		m.log.Infof("Cleanup removed %d assessments, %d photos, %d deficiencies, %d queue entries (%d bytes)",
			res.DeletedAssessments, res.DeletedPhotos, res.DeletedDeficiencies, res.DeletedSyncItems, res.FreedBytes)
	}
	return res, nil
}

// Ticker is the subset of time.Ticker the cleanup timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// CleanupTimer runs a cleanup function on a fixed interval.
//
// Start on a running timer and Stop on a stopped timer are no-ops.
type CleanupTimer struct {
	Interval time.Duration
	Run      func(ctx context.Context)

	// NewTicker creates the ticker. Tests replace it to drive time manually.
	NewTicker func(d time.Duration) Ticker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupTimer creates a timer running m.RunCleanup every interval.
func NewCleanupTimer(m *Manager, interval time.Duration) *CleanupTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupTimer{
		Interval: interval,
		Run: func(ctx context.Context) {
			if _, err := m.RunCleanup(ctx); err != nil {
				m.log.Errorf("Automatic cleanup failed: %v", err)
			}
		},
	}
}

// Start begins running cleanup until Stop is called or ctx is done.
func (t *CleanupTimer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	newTicker := t.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	ticker := newTicker(t.Interval)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				t.Run(ctx)
			}
		}
	}()
}

// Stop halts the timer and waits for a running cleanup to finish.
func (t *CleanupTimer) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the timer is started.
func (t *CleanupTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}
