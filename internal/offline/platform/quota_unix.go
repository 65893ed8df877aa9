//go:build linux || darwin

package platform

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsEstimator reports the free and total space of the filesystem
// holding Dir.
type StatfsEstimator struct {
	Dir string
}

// Estimate implements QuotaEstimator.
func (e *StatfsEstimator) Estimate(ctx context.Context) (StorageEstimate, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(e.Dir, &st); err != nil {
		return StorageEstimate{}, fmt.Errorf("failed to stat filesystem of %s: %w", e.Dir, err)
	}
	bsize := int64(st.Bsize)
	return StorageEstimate{
		Available: int64(st.Bavail) * bsize,
		Total:     int64(st.Blocks) * bsize,
	}, nil
}
