// Package bundle reads and writes export bundles: versioned JSON snapshots
// of the local store used for manual backup and restore.
//
// A bundle is validated completely before anything is written to the store.
// Unversioned input, a version from an unknown major line, or a missing
// top-level field is rejected with schema.ErrImportMalformed.
package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"golang.org/x/mod/semver"
)

// Version is the bundle format written by this build.
const Version = "v1.0.0"

// requiredFields must be present at the top level of every bundle.
var requiredFields = []string{"version", "exportedAt", "assessments", "photos", "deficiencies"}

// Bundle is the export file format.
type Bundle struct {
	Version      string           `json:"version"`
	ExportedAt   time.Time        `json:"exportedAt"`
	Assessments  []*schema.Record `json:"assessments"`
	Photos       []*schema.Record `json:"photos"`
	Deficiencies []*schema.Record `json:"deficiencies"`
}

// Options controls how records are placed into a bundle.
type Options struct {
	// InlineLimit is the largest photo (working + original blob) exported with
	// its blobs. Larger photos are exported as metadata with BlobOmitted set.
	// Zero means no limit.
	InlineLimit int64
	Now         time.Time
}

// Build assembles a bundle from the records of each domain collection.
// Input records are not modified.
func Build(recs map[schema.Collection][]*schema.Record, opts Options) *Bundle {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	b := &Bundle{
		Version:      Version,
		ExportedAt:   now.UTC(),
		Assessments:  nonNil(recs[schema.Assessments]),
		Deficiencies: nonNil(recs[schema.Deficiencies]),
		Photos:       make([]*schema.Record, 0, len(recs[schema.Photos])),
	}
	for _, p := range recs[schema.Photos] {
		if opts.InlineLimit > 0 && p.BlobBytes() > opts.InlineLimit {
			c := *p
			c.Blob = nil
			c.OriginalBlob = nil
			c.BlobOmitted = true
			b.Photos = append(b.Photos, &c)
			continue
		}
		b.Photos = append(b.Photos, p)
	}
	return b
}

func nonNil(recs []*schema.Record) []*schema.Record {
	if recs == nil {
		return []*schema.Record{}
	}
	return recs
}

// Records returns the bundle's records keyed by collection.
func (b *Bundle) Records() map[schema.Collection][]*schema.Record {
	return map[schema.Collection][]*schema.Record{
		schema.Assessments:  b.Assessments,
		schema.Photos:       b.Photos,
		schema.Deficiencies: b.Deficiencies,
	}
}

// Len returns the number of records in the bundle.
func (b *Bundle) Len() int {
	return len(b.Assessments) + len(b.Photos) + len(b.Deficiencies)
}

// Validate checks the version and every record.
func (b *Bundle) Validate() error {
	if b.Version == "" {
		return fmt.Errorf("%w: version is missing", schema.ErrImportMalformed)
	}
	if !semver.IsValid(b.Version) {
		return fmt.Errorf("%w: version %q is not a valid version", schema.ErrImportMalformed, b.Version)
	}
	if semver.Major(b.Version) != semver.Major(Version) {
		return fmt.Errorf("%w: unsupported version %s (want %s.x)", schema.ErrImportMalformed, b.Version, semver.Major(Version))
	}
	if semver.Compare(b.Version, Version) > 0 {
		return fmt.Errorf("%w: version %s is newer than %s", schema.ErrImportMalformed, b.Version, Version)
	}

	seen := make(map[string]bool)
	for c, list := range b.Records() {
		for i, rec := range list {
			if rec == nil {
				return fmt.Errorf("%w: %s[%d] is null", schema.ErrImportMalformed, c, i)
			}
			if err := rec.Validate(c); err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", schema.ErrImportMalformed, c, i, err)
			}
			key := string(c) + "/" + rec.ID
			if seen[key] {
				return fmt.Errorf("%w: duplicate id %s in %s", schema.ErrImportMalformed, rec.ID, c)
			}
			seen[key] = true
		}
	}
	return nil
}

// Encode writes the bundle as indented JSON.
func Encode(w io.Writer, b *Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	return nil
}

// Decode parses and validates a bundle. Any structural problem is reported
// as schema.ErrImportMalformed.
func Decode(r io.Reader) (*Bundle, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrImportMalformed, err)
	}
	for _, field := range requiredFields {
		raw, ok := top[field]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, fmt.Errorf("%w: %s is missing", schema.ErrImportMalformed, field)
		}
	}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrImportMalformed, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteFile writes the bundle to path atomically via a temp file.
func WriteFile(path string, b *Bundle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, b); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadFile reads and validates a bundle from path.
func ReadFile(path string) (*Bundle, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
