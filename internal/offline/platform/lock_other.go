//go:build !linux && !darwin

package platform

// FileLocker is unavailable on this platform. TryLock always returns
// ErrLockUnavailable.
type FileLocker struct {
	Dir string
}

// TryLock implements Locker.
func (l *FileLocker) TryLock(name string) (func(), error) {
	return nil, ErrLockUnavailable
}
