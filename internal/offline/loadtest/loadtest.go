// Package loadtest provides load testing utilities for the offline store.
//
// This package simulates a field worker editing records while the queue is
// drained concurrently, to validate that foreground writes stay fast under
// sync load and that no local edit is ever lost or reported synced before
// its latest version reached the server.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/assessly/fieldsync/internal/offline/remote"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/service"
	"github.com/assessly/fieldsync/internal/offline/store"
	"github.com/assessly/fieldsync/internal/offline/syncq"
	"github.com/op/go-logging"
)

// MemoryRemote acknowledges every mutation and remembers the last version
// it received per record.
type MemoryRemote struct {
	// Latency is added to every Apply.
	Latency time.Duration

	mu      sync.Mutex
	applied map[string]time.Time
	deleted map[string]bool
	calls   int
}

// NewMemoryRemote creates an empty remote.
func NewMemoryRemote(latency time.Duration) *MemoryRemote {
	return &MemoryRemote{
		Latency: latency,
		applied: make(map[string]time.Time),
		deleted: make(map[string]bool),
	}
}

// Apply implements syncq.Remote.
func (m *MemoryRemote) Apply(ctx context.Context, entry *schema.QueueEntry, rec *schema.Record) (*remote.Ack, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", schema.ErrNetworkUnavailable, ctx.Err())
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	key := string(entry.Collection) + "/" + entry.RecordID
	if entry.Op == schema.OpDelete {
		m.deleted[key] = true
		delete(m.applied, key)
		return &remote.Ack{}, nil
	}
	if rec != nil {
		m.applied[key] = rec.UpdatedAt
	}
	return &remote.Ack{}, nil
}

// Version returns the last version the remote received for a record.
func (m *MemoryRemote) Version(c schema.Collection, id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.applied[string(c)+"/"+id]
	return t, ok
}

// Calls returns how many mutations were applied.
func (m *MemoryRemote) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// TestStore is a populated store for load testing.
type TestStore struct {
	DB       *store.DB
	Service  *service.Service
	Remote   *MemoryRemote
	Syncer   *syncq.Syncer
	Records  []Ref
	Pending  int
	SyncedPc float64
}

// Ref names one record.
type Ref struct {
	Collection schema.Collection
	ID         string
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Durations   []time.Duration
}

// CreateTestStore creates a store with numRecords records spread across the
// domain collections. A syncedPct share of them (0.0-1.0) is synced, the
// rest carry an unsynced local edit.
func CreateTestStore(dbPath string, numRecords int, syncedPct float64, log *logging.Logger) (*TestStore, error) {
	if log == nil {
		log = logger.Discard()
	}
	database, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	svc, err := service.New(service.Config{DB: database, Logger: log})
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	rm := NewMemoryRemote(0)
	ts := &TestStore{
		DB:       database,
		Service:  svc,
		Remote:   rm,
		Syncer:   syncq.New(database, rm, syncq.Config{Logger: log}),
		Records:  make([]Ref, 0, numRecords),
		SyncedPc: syncedPct,
	}

	ctx := context.Background()
	for _, g := range generateRecords(numRecords) {
		rec, err := svc.Put(ctx, g.Collection, g.Record)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to insert %s: %w", g.Collection, err)
		}
		ts.Records = append(ts.Records, Ref{Collection: g.Collection, ID: rec.ID})
	}

	if _, err := ts.Syncer.Drain(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("initial drain failed: %w", err)
	}

	// Re-edit the unsynced share.
	rng := rand.New(rand.NewSource(42))
	unsynced := numRecords - int(float64(numRecords)*syncedPct)
	for _, i := range rng.Perm(numRecords)[:unsynced] {
		if err := ts.edit(ctx, ts.Records[i], i); err != nil {
			_ = database.Close()
			return nil, err
		}
	}
	ts.Pending = unsynced

	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

func (ts *TestStore) edit(ctx context.Context, ref Ref, n int) error {
	rec, err := ts.DB.Get(ctx, ref.Collection, ref.ID)
	if err != nil {
		return err
	}
	rec.Payload = json.RawMessage(fmt.Sprintf(`{"revision":%d}`, n))
	if _, err := ts.Service.Put(ctx, ref.Collection, rec); err != nil {
		return fmt.Errorf("failed to edit %s %s: %w", ref.Collection, ref.ID, err)
	}
	return nil
}

// RunConcurrentWriters simulates numWriters editors, each performing
// writesPerWriter edits of random records, while the queue is drained
// continuously. Returns write latency statistics.
func (ts *TestStore) RunConcurrentWriters(numWriters int, writesPerWriter int) (*LatencyStats, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, numWriters)

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		ts.drainLoop(ctx)
	}()

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(writerID)))
			durations := make([]time.Duration, 0, writesPerWriter)

			for j := 0; j < writesPerWriter; j++ {
				ref := ts.Records[rng.Intn(len(ts.Records))]
				start := time.Now()
				err := ts.edit(ctx, ref, writerID*writesPerWriter+j)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					return
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	cancel()
	<-drainDone
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for err := range errorsChan {
		errorCount++
		fmt.Printf("Error: %v\n", err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no successful writes completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

func (ts *TestStore) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := ts.Syncer.Drain(ctx); err != nil && ctx.Err() == nil {
			fmt.Printf("Drain error: %v\n", err)
		}
		time.Sleep(time.Millisecond)
	}
}

// VerifyConvergence edits records from numWriters goroutines for duration
// while the queue drains, then drains to completion and checks that every
// record is synced with the server holding its latest version and the
// queue is empty.
func (ts *TestStore) VerifyConvergence(numWriters int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numWriters)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ts.drainLoop(ctx)
	}()

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(1000 + writerID)))
			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				ref := ts.Records[rng.Intn(len(ts.Records))]
				if err := ts.edit(context.Background(), ref, n); err != nil {
					errorsChan <- fmt.Errorf("writer %d: %w", writerID, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		return err
	}

	final := context.Background()
	if _, err := ts.Syncer.Drain(final); err != nil {
		return fmt.Errorf("final drain failed: %w", err)
	}

	entries, err := ts.DB.Entries(final)
	if err != nil {
		return err
	}
	if len(entries) != 0 {
		return fmt.Errorf("%d queue entries left after final drain", len(entries))
	}
	for _, ref := range ts.Records {
		rec, err := ts.DB.Get(final, ref.Collection, ref.ID)
		if err != nil {
			return err
		}
		if rec.SyncStatus != schema.StatusSynced {
			return fmt.Errorf("%s %s is %s after final drain", ref.Collection, ref.ID, rec.SyncStatus)
		}
		got, ok := ts.Remote.Version(ref.Collection, ref.ID)
		if !ok || !got.Equal(rec.UpdatedAt) {
			return fmt.Errorf("%s %s: server has version %v, local synced version is %v",
				ref.Collection, ref.ID, got, rec.UpdatedAt)
		}
	}
	return nil
}

type generated struct {
	Collection schema.Collection
	Record     *schema.Record
}

// generateRecords creates records with a realistic mix: most edits are
// assessments, then deficiencies, then small photos.
func generateRecords(count int) []generated {
	mix := []schema.Collection{
		schema.Assessments, schema.Assessments, schema.Assessments, schema.Assessments, schema.Assessments,
		schema.Deficiencies, schema.Deficiencies, schema.Deficiencies,
		schema.Photos, schema.Photos,
	}
	baseTime := time.Now().Add(-30 * 24 * time.Hour)

	out := make([]generated, count)
	for i := 0; i < count; i++ {
		c := mix[i%len(mix)]
		rec := &schema.Record{
			ProjectID: fmt.Sprintf("project-%d", i%5),
			AssetID:   fmt.Sprintf("asset-%03d", i/10),
			Payload:   json.RawMessage(fmt.Sprintf(`{"revision":0,"seq":%d}`, i)),
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}
		if c == schema.Photos {
			rec.Blob = make([]byte, 2048)
			rec.Blob[0] = byte(i)
		}
		out[i] = generated{Collection: c, Record: rec}
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Write Latency Statistics:\n")
	fmt.Printf("  Total Writes:  %d\n", s.TotalWrites)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}

// GetStats returns statistics about the test store.
func (ts *TestStore) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_records":  len(ts.Records),
		"pending":        ts.Pending,
		"synced":         len(ts.Records) - ts.Pending,
		"synced_percent": float64(len(ts.Records)-ts.Pending) / float64(len(ts.Records)) * 100,
		"remote_calls":   ts.Remote.Calls(),
	}
}
