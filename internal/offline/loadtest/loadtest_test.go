package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

// TestCreateTestStore verifies that we can create a test store with the expected properties.
func TestCreateTestStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	ts, err := CreateTestStore(dbPath, 100, 0.7, nil)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	if len(ts.Records) != 100 {
		t.Errorf("Expected 100 records, got %d", len(ts.Records))
	}
	if ts.Pending != 30 {
		t.Errorf("Expected 30 pending records, got %d", ts.Pending)
	}

	ctx := context.Background()
	entries, err := ts.DB.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(entries) != ts.Pending {
		t.Errorf("Expected %d queue entries, got %d", ts.Pending, len(entries))
	}

	counts, err := ts.DB.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() failed: %v", err)
	}
	if counts[schema.StatusSynced] != 70 || counts[schema.StatusPending] != 30 {
		t.Errorf("Unexpected status counts: %v", counts)
	}

	t.Logf("Store created: %v", ts.GetStats())
}

// TestConcurrentWriters_Small verifies writes stay correct while draining.
func TestConcurrentWriters_Small(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	ts, err := CreateTestStore(dbPath, 50, 0.5, nil)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	stats, err := ts.RunConcurrentWriters(4, 10)
	if err != nil {
		t.Fatalf("Concurrent writers failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during writes", stats.Errors)
	}
	if stats.TotalWrites != 40 {
		t.Errorf("Expected 40 total writes, got %d", stats.TotalWrites)
	}

	stats.PrintStats()

	if stats.Min > stats.P50 || stats.P50 > stats.P95 || stats.P95 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}
}

// TestVerifyConvergence checks that concurrent edits and drains end with
// every record synced at its latest version.
func TestVerifyConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping convergence test in short mode")
	}
	dbPath := filepath.Join(t.TempDir(), "test.db")

	ts, err := CreateTestStore(dbPath, 30, 0.5, nil)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	if err := ts.VerifyConvergence(3, 300*time.Millisecond); err != nil {
		t.Fatalf("Convergence failed: %v", err)
	}
	if ts.Remote.Calls() == 0 {
		t.Error("Expected the remote to receive mutations")
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.TotalWrites != 100 {
		t.Errorf("TotalWrites = %d", stats.TotalWrites)
	}

	if empty := computeLatencyStats(nil); empty.TotalWrites != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
