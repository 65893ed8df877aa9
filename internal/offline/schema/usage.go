package schema

import "time"

// UsageSnapshot is derived storage consumption. It is never persisted.
type UsageSnapshot struct {
	UsedBytes    int64                `json:"usedBytes"`
	QuotaBytes   int64                `json:"quotaBytes"`
	Percent      float64              `json:"percent"`
	ByCollection map[Collection]int64 `json:"byCollection"`
	TakenAt      time.Time            `json:"takenAt"`
}

// StorageStats summarizes record counts and sync backlog.
type StorageStats struct {
	Counts        map[Collection]int `json:"counts"`
	PendingCount  int                `json:"pendingCount"`
	FailedCount   int                `json:"failedCount"`
	QueueLength   int                `json:"queueLength"`
	OldestPending *time.Time         `json:"oldestPending,omitempty"`
}

// ProjectUsage is the per-project aggregate shown in storage breakdowns.
type ProjectUsage struct {
	Assessments  int   `json:"assessments"`
	Photos       int   `json:"photos"`
	Deficiencies int   `json:"deficiencies"`
	Bytes        int64 `json:"bytes"`
}

// WarningType identifies the condition behind a storage warning.
type WarningType string

const (
	WarningQuotaCritical WarningType = "quota_critical"
	WarningQuotaHigh     WarningType = "quota_high"
	WarningSyncStale     WarningType = "sync_stale"
	WarningSyncFailed    WarningType = "sync_failed"
	WarningAuthExpiring  WarningType = "auth_expiring"
)

// Severity orders warnings for display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Warning is a transient, dismissible value regenerated on every refresh.
type Warning struct {
	ID        string      `json:"id"`
	Type      WarningType `json:"type"`
	Message   string      `json:"message"`
	Severity  Severity    `json:"severity"`
	Timestamp time.Time   `json:"timestamp"`
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	DeletedAssessments  int   `json:"deletedAssessments"`
	DeletedPhotos       int   `json:"deletedPhotos"`
	DeletedDeficiencies int   `json:"deletedDeficiencies"`
	DeletedSyncItems    int   `json:"deletedSyncItems"`
	FreedBytes          int64 `json:"freedBytes"`
}

// Empty reports whether the pass removed nothing.
func (r CleanupResult) Empty() bool {
	return r == CleanupResult{}
}

// SyncResult is the outcome of one queue drain cycle.
type SyncResult struct {
	SyncedCount int `json:"syncedCount"`
	FailedCount int `json:"failedCount"`
}

// AllSucceeded reports whether no entry failed in the cycle.
func (r SyncResult) AllSucceeded() bool {
	return r.FailedCount == 0
}
