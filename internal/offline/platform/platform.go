// Package platform provides the host services the offline layer depends on,
// each behind a small capability interface:
//   - Scheduler: one-shot and periodic background wakes
//   - Locker: advisory, exclusively named holds
//   - Notifier: local notifications
//   - QuotaEstimator: device storage inquiry
//
// Every capability may be missing or deny a request. Callers treat that as a
// degraded mode, never as a failure of the operation they were performing.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPeriodicDenied is returned when the host refuses a periodic wake.
	ErrPeriodicDenied = errors.New("periodic wake denied by host")

	// ErrLockUnavailable is returned when the host has no advisory lock support.
	ErrLockUnavailable = errors.New("advisory lock unavailable")

	// ErrLockHeld is returned when another holder owns the named lock.
	ErrLockHeld = errors.New("advisory lock held elsewhere")

	// ErrNotificationDenied is returned when notification permission is not granted.
	ErrNotificationDenied = errors.New("notification permission not granted")
)

// MinPeriodicInterval is the shortest periodic wake a host will honor.
const MinPeriodicInterval = 15 * time.Minute

// Scheduler wakes the background coordinator.
type Scheduler interface {
	// ScheduleOnce runs fn once as soon as possible. A pending wake with the
	// same name is not duplicated.
	ScheduleOnce(name string, fn func())
	// RegisterPeriodic asks for fn to run roughly every interval. The host
	// may clamp, delay or deny the request.
	RegisterPeriodic(name string, interval time.Duration, fn func()) error
	// Cancel removes a periodic registration.
	Cancel(name string)
}

// Locker hands out advisory holds.
type Locker interface {
	// TryLock acquires the named hold without blocking.
	TryLock(name string) (release func(), err error)
}

// Notifier raises local notifications.
type Notifier interface {
	Permission() bool
	Notify(title, body string) error
}

// StorageEstimate is what the host reports about device storage.
type StorageEstimate struct {
	Available int64
	Total     int64
}

// QuotaEstimator reports device storage.
type QuotaEstimator interface {
	Estimate(ctx context.Context) (StorageEstimate, error)
}

// FixedQuota is a QuotaEstimator returning a constant estimate.
type FixedQuota StorageEstimate

// Estimate implements QuotaEstimator.
func (f FixedQuota) Estimate(ctx context.Context) (StorageEstimate, error) {
	return StorageEstimate(f), nil
}

// sanitize maps a hold name onto a safe file name.
func sanitize(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "lock"
	}
	return string(out)
}
