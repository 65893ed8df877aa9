package quota

import (
	"context"
	"fmt"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

// EvictPhotosIfNeeded reclaims at least target bytes from photo blobs of
// synced photos, or as much as it can.
//
// All original blobs are dropped before any working blob, each pass in
// least-recently-updated order. It stops as soon as target is met. Running
// out of candidates is not an error: the returned amount is then below
// target.
func (m *Manager) EvictPhotosIfNeeded(ctx context.Context, target int64) (int64, error) {
	if target <= 0 {
		return 0, nil
	}

	cands, err := m.db.EvictablePhotos(ctx)
	if err != nil {
		return 0, err
	}

	var freed int64
	passes := []struct {
		name string
		size func(i int) int64
		drop func(ctx context.Context, id string) (int64, error)
	}{
		{"original", func(i int) int64 { return cands[i].OriginalSize }, m.db.DropOriginalBlob},
		{"working", func(i int) int64 { return cands[i].BlobSize }, m.db.DropBlob},
	}

	for _, pass := range passes {
		for i := range cands {
			if freed >= target {
				return freed, nil
			}
			if pass.size(i) == 0 {
				continue
			}
			n, err := pass.drop(ctx, cands[i].ID)
			if err != nil {
				m.log.Warningf("Eviction: failed to drop %s blob of photo %s: %v", pass.name, cands[i].ID, err)
				continue
			}
			if n > 0 {
				m.log.Debugf("Evicted %s blob of photo %s (%d bytes)", pass.name, cands[i].ID, n)
			}
			freed += n
		}
	}
	return freed, nil
}

// EnsureSpace makes room for a write of incoming bytes, evicting photo blobs
// if the write would exceed the quota. It returns schema.ErrQuotaExceeded
// when eviction cannot free enough. An unknown quota never blocks a write.
func (m *Manager) EnsureSpace(ctx context.Context, incoming int64) error {
	report, err := m.RefreshStats(ctx)
	if err != nil {
		return err
	}
	quota := report.Usage.QuotaBytes
	if quota == 0 {
		return nil
	}

	need := report.Usage.UsedBytes + incoming - quota
	if need <= 0 {
		return nil
	}

	freed, err := m.EvictPhotosIfNeeded(ctx, need)
	if err != nil {
		return err
	}
	if freed < need {
		m.log.Warningf("Write of %d bytes exceeds quota: freed %d of %d bytes needed", incoming, freed, need)
		return fmt.Errorf("%w: need %d more bytes", schema.ErrQuotaExceeded, need-freed)
	}

	if _, err := m.RefreshStats(ctx); err != nil {
		m.log.Warningf("Failed to refresh stats after eviction: %v", err)
	}
	return nil
}
