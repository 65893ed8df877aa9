// Package quota keeps the local store within device storage limits without
// losing unsynced work.
//
// Only synced records are ever removed automatically. RunCleanup deletes
// synced data older than the retention period, EvictPhotosIfNeeded drops
// photo blobs of synced photos (originals first, least recently updated
// first), and ClearAllData is the single operation allowed to touch
// unsynced records. Callers must obtain user confirmation before calling it.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/op/go-logging"
)

// Config holds manager configuration.
type Config struct {
	// MaxBytes caps the quota below what the device reports. Zero means
	// the device estimate alone decides.
	MaxBytes int64

	// HighPercent and CriticalPercent are the inclusive warning thresholds.
	HighPercent     float64
	CriticalPercent float64

	// StaleAfter is the queue age that raises sync_stale.
	StaleAfter time.Duration

	// Retention is how long synced data is kept before RunCleanup removes it.
	Retention time.Duration

	// RefreshInterval bounds how old the state returned by State may be.
	RefreshInterval time.Duration

	// ExportInlineLimit is the largest photo exported with its blobs.
	ExportInlineLimit int64

	// AuthWarnBefore raises auth_expiring this long before the token expires.
	AuthWarnBefore time.Duration

	// TokenExpiry reports the API token's expiry, if known.
	TokenExpiry func() (time.Time, bool)

	// OnRefresh is called with every freshly computed report.
	OnRefresh func(*Report)

	// Clock returns the current time.
	Clock func() time.Time

	Logger *logging.Logger
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		HighPercent:       80,
		CriticalPercent:   95,
		StaleAfter:        7 * 24 * time.Hour,
		Retention:         30 * 24 * time.Hour,
		RefreshInterval:   30 * time.Second,
		ExportInlineLimit: 5 << 20,
		AuthWarnBefore:    24 * time.Hour,
	}
}

// Report is the result of RefreshStats.
type Report struct {
	Usage    schema.UsageSnapshot `json:"usage"`
	Stats    schema.StorageStats  `json:"stats"`
	Warnings []schema.Warning     `json:"warnings"`
}

// Manager is the quota and eviction manager.
type Manager struct {
	db        *store.DB
	estimator platform.QuotaEstimator
	config    Config
	log       *logging.Logger

	mu        sync.Mutex
	last      *Report
	dismissed map[string]bool
}

// New creates a manager. A nil estimator means only MaxBytes bounds the quota.
func New(db *store.DB, estimator platform.QuotaEstimator, config Config) *Manager {
	def := DefaultConfig()
	if config.HighPercent == 0 {
		config.HighPercent = def.HighPercent
	}
	if config.CriticalPercent == 0 {
		config.CriticalPercent = def.CriticalPercent
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.Retention == 0 {
		config.Retention = def.Retention
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = def.RefreshInterval
	}
	if config.AuthWarnBefore == 0 {
		config.AuthWarnBefore = def.AuthWarnBefore
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Manager{
		db:        db,
		estimator: estimator,
		config:    config,
		log:       logger.OrDefault(config.Logger),
		dismissed: make(map[string]bool),
	}
}

// RefreshStats computes the usage snapshot, record statistics and warnings.
// It updates the manager's in-memory state and never modifies the store.
func (m *Manager) RefreshStats(ctx context.Context) (*Report, error) {
	now := m.config.Clock()

	usage, err := m.usage(ctx, now)
	if err != nil {
		return nil, err
	}
	stats, err := m.stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Usage:    *usage,
		Stats:    *stats,
		Warnings: m.warnings(usage, stats, now),
	}

	m.mu.Lock()
	m.last = report
	m.dismissed = make(map[string]bool)
	onRefresh := m.config.OnRefresh
	m.mu.Unlock()

	if onRefresh != nil {
		onRefresh(report)
	}
	return report, nil
}

// SetOnRefresh replaces the callback invoked after every refresh.
func (m *Manager) SetOnRefresh(fn func(*Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.OnRefresh = fn
}

// Retention returns the configured retention period.
func (m *Manager) Retention() time.Duration {
	return m.config.Retention
}

// State returns the last report, recomputing it when it is older than the
// refresh interval. Dismissed warnings are left out.
func (m *Manager) State(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last == nil || m.config.Clock().Sub(last.Usage.TakenAt) >= m.config.RefreshInterval {
		var err error
		if last, err = m.RefreshStats(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := *last
	out.Warnings = make([]schema.Warning, 0, len(last.Warnings))
	for _, w := range last.Warnings {
		if !m.dismissed[w.ID] {
			out.Warnings = append(out.Warnings, w)
		}
	}
	return &out, nil
}

// Dismiss hides a warning until the next refresh regenerates it.
func (m *Manager) Dismiss(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissed[id] = true
}

func (m *Manager) usage(ctx context.Context, now time.Time) (*schema.UsageSnapshot, error) {
	byColl, err := m.db.CollectionBytes(ctx)
	if err != nil {
		return nil, err
	}
	var used int64
	for _, n := range byColl {
		used += n
	}

	quota := m.quotaFor(ctx, used)
	snap := &schema.UsageSnapshot{
		UsedBytes:    used,
		QuotaBytes:   quota,
		ByCollection: byColl,
		TakenAt:      now,
	}
	if quota > 0 {
		snap.Percent = float64(used) * 100 / float64(quota)
	}
	return snap, nil
}

// quotaFor returns the bytes the store may occupy: what it uses now plus
// what the device still has free, capped by MaxBytes. Zero means unknown.
func (m *Manager) quotaFor(ctx context.Context, used int64) int64 {
	var quota int64
	if m.estimator != nil {
		est, err := m.estimator.Estimate(ctx)
		if err != nil {
			m.log.Warningf("Storage estimate unavailable: %v", err)
		} else {
			quota = used + est.Available
		}
	}
	if m.config.MaxBytes > 0 && (quota == 0 || m.config.MaxBytes < quota) {
		quota = m.config.MaxBytes
	}
	return quota
}

func (m *Manager) stats(ctx context.Context) (*schema.StorageStats, error) {
	counts, err := m.db.Counts(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := m.db.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	oldest, err := m.db.OldestEntry(ctx)
	if err != nil {
		return nil, err
	}

	stats := &schema.StorageStats{
		Counts:       counts,
		PendingCount: statuses[schema.StatusPending] + statuses[schema.StatusSyncing],
		FailedCount:  statuses[schema.StatusFailed],
		QueueLength:  counts[schema.SyncQueue],
	}
	if oldest != nil {
		t := oldest.CreatedAt
		stats.OldestPending = &t
	}
	return stats, nil
}

func (m *Manager) warnings(usage *schema.UsageSnapshot, stats *schema.StorageStats, now time.Time) []schema.Warning {
	var out []schema.Warning
	add := func(typ schema.WarningType, sev schema.Severity, msg string) {
		out = append(out, schema.Warning{
			ID:        string(typ),
			Type:      typ,
			Message:   msg,
			Severity:  sev,
			Timestamp: now,
		})
	}

	switch {
	case usage.QuotaBytes > 0 && usage.Percent >= m.config.CriticalPercent:
		add(schema.WarningQuotaCritical, schema.SeverityCritical,
			fmt.Sprintf("Storage is %.0f%% full. Sync now and clear synced data to keep working offline.", usage.Percent))
	case usage.QuotaBytes > 0 && usage.Percent >= m.config.HighPercent:
		add(schema.WarningQuotaHigh, schema.SeverityWarning,
			fmt.Sprintf("Storage is %.0f%% full. Consider syncing and cleaning up.", usage.Percent))
	}

	if stats.OldestPending != nil {
		if age := now.Sub(*stats.OldestPending); age > m.config.StaleAfter {
			add(schema.WarningSyncStale, schema.SeverityWarning,
				fmt.Sprintf("Some changes have not synced for %d days. Connect to sync them.", int(age.Hours()/24)))
		}
	}

	if stats.FailedCount > 0 {
		add(schema.WarningSyncFailed, schema.SeverityWarning,
			fmt.Sprintf("%d item(s) were rejected by the server and will be retried.", stats.FailedCount))
	}

	if m.config.TokenExpiry != nil {
		if exp, ok := m.config.TokenExpiry(); ok && exp.Sub(now) < m.config.AuthWarnBefore {
			if exp.Before(now) {
				add(schema.WarningAuthExpiring, schema.SeverityCritical, "Your session has expired. Sign in again to sync.")
			} else {
				add(schema.WarningAuthExpiring, schema.SeverityInfo,
					fmt.Sprintf("Your session expires at %s. Sign in again before going offline.", exp.Local().Format(time.Kitchen)))
			}
		}
	}
	return out
}

// GetStorageByProject returns record counts and bytes per project.
func (m *Manager) GetStorageByProject(ctx context.Context) (map[string]*schema.ProjectUsage, error) {
	return m.db.ProjectUsage(ctx)
}

// ClearSyncedData removes every synced record regardless of age.
func (m *Manager) ClearSyncedData(ctx context.Context) (schema.CleanupResult, error) {
	res, err := m.db.ClearSynced(ctx)
	if err != nil {
		return schema.CleanupResult{}, err
	}
	out := toCleanupResult(res)
	m.log.Infof("Cleared synced data: %d assessments, %d photos, %d deficiencies (%d bytes)",
		out.DeletedAssessments, out.DeletedPhotos, out.DeletedDeficiencies, out.FreedBytes)
	return out, nil
}

// ClearAllData removes every record and queue entry, including unsynced work.
// The caller must have obtained explicit user confirmation.
func (m *Manager) ClearAllData(ctx context.Context) (schema.CleanupResult, error) {
	res, err := m.db.ClearAll(ctx)
	if err != nil {
		return schema.CleanupResult{}, err
	}
	out := toCleanupResult(res)
	m.log.Warningf("Cleared ALL local data: %d assessments, %d photos, %d deficiencies, %d queue entries",
		out.DeletedAssessments, out.DeletedPhotos, out.DeletedDeficiencies, out.DeletedSyncItems)
	return out, nil
}

func toCleanupResult(res *store.ClearResult) schema.CleanupResult {
	return schema.CleanupResult{
		DeletedAssessments:  res.Deleted[schema.Assessments],
		DeletedPhotos:       res.Deleted[schema.Photos],
		DeletedDeficiencies: res.Deleted[schema.Deficiencies],
		DeletedSyncItems:    res.QueueEntries,
		FreedBytes:          res.FreedBytes,
	}
}
