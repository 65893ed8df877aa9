//go:build !linux && !darwin

package platform

import (
	"context"
	"errors"
)

// StatfsEstimator is unavailable on this platform.
type StatfsEstimator struct {
	Dir string
}

// Estimate implements QuotaEstimator.
func (e *StatfsEstimator) Estimate(ctx context.Context) (StorageEstimate, error) {
	return StorageEstimate{}, errors.New("storage estimate not supported on this platform")
}
