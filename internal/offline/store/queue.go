package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/google/uuid"
)

const queueColumns = "seq, id, collection, record_id, op, attempts, last_error, created_at, updated_at"

// Enqueue appends a queue entry. ID and timestamps are filled in when empty.
func (db *DB) Enqueue(ctx context.Context, e *schema.QueueEntry) error {
	return enqueue(ctx, db.conn, e)
}

func enqueue(ctx context.Context, ex execer, e *schema.QueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid queue entry: %w", err)
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (id, collection, record_id, op, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Collection), e.RecordID, string(e.Op), e.Attempts, e.LastError,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s: %w", e.Op, e.RecordID, err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// SaveWithEntry writes a record and its queue entry in one transaction.
//
// For OpDelete the record is removed locally and only rec.ID is used.
func (db *DB) SaveWithEntry(ctx context.Context, c schema.Collection, rec *schema.Record, op schema.Op) (*schema.QueueEntry, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if op == schema.OpDelete {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c), rec.ID); err != nil {
			return nil, fmt.Errorf("failed to delete %s %s: %w", c, rec.ID, err)
		}
	} else if err := putRecord(ctx, tx, c, rec); err != nil {
		return nil, err
	}

	entry := &schema.QueueEntry{
		Collection: c,
		RecordID:   rec.ID,
		Op:         op,
		CreatedAt:  time.Now(),
	}
	if err := enqueue(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// GetEntry retrieves a queue entry by id.
func (db *DB) GetEntry(ctx context.Context, id string) (*schema.QueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %s: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("queue entry %s: %w", id, schema.ErrNotFound)
	}
	return entries[0], nil
}

// Entries returns all queue entries in enqueue order.
func (db *DB) Entries(ctx context.Context) ([]*schema.QueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// OldestEntry returns the longest-waiting queue entry, or nil if the queue is empty.
func (db *DB) OldestEntry(ctx context.Context) (*schema.QueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at ASC, seq ASC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest queue entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// RecordFailure increments the attempt count and stores the last error.
func (db *DB) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		msg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to record failure of queue entry %s: %w", id, err)
	}
	return nil
}

// DeleteEntry removes a queue entry. Returns nil if it doesn't exist.
func (db *DB) DeleteEntry(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	return nil
}

// OrphanedEntries returns create/update entries whose record no longer exists.
func (db *DB) OrphanedEntries(ctx context.Context) ([]*schema.QueueEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue q
		WHERE q.op != 'delete'
		  AND NOT EXISTS (SELECT 1 FROM assessments a WHERE q.collection = 'assessments' AND a.id = q.record_id)
		  AND NOT EXISTS (SELECT 1 FROM photos p WHERE q.collection = 'photos' AND p.id = q.record_id)
		  AND NOT EXISTS (SELECT 1 FROM deficiencies d WHERE q.collection = 'deficiencies' AND d.id = q.record_id)
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned queue entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// HasEntries reports whether any queue entry still targets the record.
func (db *DB) HasEntries(ctx context.Context, c schema.Collection, recordID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE collection = ? AND record_id = ?`, string(c), recordID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n > 0, nil
}

func scanEntries(rows *sql.Rows) ([]*schema.QueueEntry, error) {
	var entries []*schema.QueueEntry
	for rows.Next() {
		var e schema.QueueEntry
		var coll, op, createdAt, updatedAt string
		if err := rows.Scan(&e.Seq, &e.ID, &coll, &e.RecordID, &op, &e.Attempts, &e.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Collection = schema.Collection(coll)
		e.Op = schema.Op(op)
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}
