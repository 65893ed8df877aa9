package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

var now = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func rec(id string) *schema.Record {
	return &schema.Record{
		ID:         id,
		ProjectID:  "proj-1",
		Payload:    json.RawMessage(`{"note":"cracked slab"}`),
		SyncStatus: schema.StatusSynced,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestBuild_InlineLimit(t *testing.T) {
	small := rec("small")
	small.Blob = make([]byte, 10)
	big := rec("big")
	big.Blob = make([]byte, 10)
	big.OriginalBlob = make([]byte, 100)

	b := Build(map[schema.Collection][]*schema.Record{
		schema.Photos: {small, big},
	}, Options{InlineLimit: 50, Now: now})

	if b.Version != Version {
		t.Errorf("Version = %q, want %q", b.Version, Version)
	}
	if b.Assessments == nil || b.Deficiencies == nil {
		t.Error("empty collections must encode as [] not null")
	}
	if len(b.Photos[0].Blob) != 10 || b.Photos[0].BlobOmitted {
		t.Error("small photo should keep its blob")
	}
	if b.Photos[1].Blob != nil || b.Photos[1].OriginalBlob != nil || !b.Photos[1].BlobOmitted {
		t.Error("big photo should be exported without blobs")
	}
	if big.Blob == nil {
		t.Error("Build must not modify its input")
	}
}

func TestRoundTrip(t *testing.T) {
	in := Build(map[schema.Collection][]*schema.Record{
		schema.Assessments:  {rec("a1"), rec("a2")},
		schema.Deficiencies: {rec("d1")},
	}, Options{Now: now})

	var buf bytes.Buffer
	if err := Encode(&buf, in); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	out, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if out.Len() != 3 || out.Assessments[1].ID != "a2" || string(out.Deficiencies[0].Payload) != `{"note":"cracked slab"}` {
		t.Errorf("round trip lost data: %+v", out)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing version", `{"exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":[]}`},
		{"empty version", `{"version":"","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":[]}`},
		{"bad version", `{"version":"one","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":[]}`},
		{"unknown major", `{"version":"v2.0.0","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":[]}`},
		{"newer minor", `{"version":"v1.9.0","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":[]}`},
		{"missing photos", `{"version":"v1.0.0","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"deficiencies":[]}`},
		{"null deficiencies", `{"version":"v1.0.0","exportedAt":"2026-04-02T08:30:00Z","assessments":[],"photos":[],"deficiencies":null}`},
		{"invalid record", `{"version":"v1.0.0","exportedAt":"2026-04-02T08:30:00Z","assessments":[{"id":"a1"}],"photos":[],"deficiencies":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			if !errors.Is(err, schema.ErrImportMalformed) {
				t.Errorf("Decode() error = %v, want ErrImportMalformed", err)
			}
		})
	}
}

func TestValidate_DuplicateID(t *testing.T) {
	b := Build(map[schema.Collection][]*schema.Record{
		schema.Assessments: {rec("a1"), rec("a1")},
	}, Options{Now: now})
	if err := b.Validate(); !errors.Is(err, schema.ErrImportMalformed) {
		t.Errorf("Validate() = %v, want ErrImportMalformed", err)
	}
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "backup.json")
	in := Build(map[schema.Collection][]*schema.Record{schema.Assessments: {rec("a1")}}, Options{Now: now})

	if err := WriteFile(path, in); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	out, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if out.Len() != 1 || !out.ExportedAt.Equal(now) {
		t.Errorf("ReadFile() = %+v", out)
	}
}
