package quota

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/assessly/fieldsync/internal/offline/bundle"
	"github.com/assessly/fieldsync/internal/offline/schema"
)

// ExportData writes every record as an export bundle to w.
func (m *Manager) ExportData(ctx context.Context, w io.Writer) (*bundle.Bundle, error) {
	recs := make(map[schema.Collection][]*schema.Record, 3)
	for _, c := range schema.DomainCollections() {
		list, err := m.db.GetAll(ctx, c)
		if err != nil {
			return nil, err
		}
		recs[c] = list
	}

	b := bundle.Build(recs, bundle.Options{
		InlineLimit: m.config.ExportInlineLimit,
		Now:         m.config.Clock(),
	})
	if err := bundle.Encode(w, b); err != nil {
		return nil, err
	}
	m.log.Infof("Exported %d records", b.Len())
	return b, nil
}

// ImportData reads an export bundle and writes its records.
//
// The bundle is fully validated first. Invalid input returns
// schema.ErrImportMalformed and leaves the store unmodified. A photo exported
// without its blobs keeps the blobs already held locally under the same id.
func (m *Manager) ImportData(ctx context.Context, r io.Reader) (int, error) {
	b, err := bundle.Decode(r)
	if err != nil {
		return 0, err
	}

	for _, p := range b.Photos {
		if !p.BlobOmitted {
			continue
		}
		local, err := m.db.Get(ctx, schema.Photos, p.ID)
		if errors.Is(err, schema.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		p.Blob = local.Blob
		p.OriginalBlob = local.OriginalBlob
		p.BlobOmitted = false
	}

	n, err := m.db.ImportRecords(ctx, b.Records())
	if err != nil {
		return 0, fmt.Errorf("import failed: %w", err)
	}
	m.log.Infof("Imported %d records from bundle %s exported at %s", n, b.Version, b.ExportedAt)
	return n, nil
}
