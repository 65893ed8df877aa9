package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

// ClearResult counts rows removed by a bulk clear.
type ClearResult struct {
	Deleted      map[schema.Collection]int
	FreedBytes   int64
	QueueEntries int
}

// ClearSynced removes every synced record from the domain collections.
// Pending, syncing and failed records and the queue are left untouched.
func (db *DB) ClearSynced(ctx context.Context) (*ClearResult, error) {
	return db.clear(ctx, true)
}

// ClearAll removes every record and queue entry, including unsynced work.
// Callers are responsible for obtaining explicit user confirmation first.
func (db *DB) ClearAll(ctx context.Context) (*ClearResult, error) {
	return db.clear(ctx, false)
}

func (db *DB) clear(ctx context.Context, onlySynced bool) (*ClearResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res := &ClearResult{Deleted: make(map[schema.Collection]int, 3)}
	where := ""
	if onlySynced {
		where = " WHERE sync_status = 'synced'"
	}

	for _, c := range schema.DomainCollections() {
		var bytes int64
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COALESCE(SUM(%s), 0) FROM %s%s`, sizeExpr(c), c, where)).Scan(&bytes); err != nil {
			return nil, fmt.Errorf("failed to size %s: %w", c, err)
		}
		r, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, c, where))
		if err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", c, err)
		}
		n, _ := r.RowsAffected()
		res.Deleted[c] = int(n)
		res.FreedBytes += bytes
	}

	if !onlySynced {
		r, err := tx.ExecContext(ctx, `DELETE FROM sync_queue`)
		if err != nil {
			return nil, fmt.Errorf("failed to clear sync_queue: %w", err)
		}
		n, _ := r.RowsAffected()
		res.QueueEntries = int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

// ImportRecords writes all records in a single transaction. Either every
// record is stored or none is. An existing record with the same id is
// replaced only by a newer version; a local record that is newer, or an
// unsynced local record of the same version, is kept together with its queue
// entry. The returned count excludes kept records.
//
// Unsynced records are re-queued so that restored work reaches the server.
// A record exported mid-sync comes back as pending.
func (db *DB) ImportRecords(ctx context.Context, recs map[schema.Collection][]*schema.Record) (int, error) {
	for c, list := range recs {
		for _, rec := range list {
			if err := rec.Validate(c); err != nil {
				return 0, fmt.Errorf("%w: %s %s: %v", schema.ErrImportMalformed, c, rec.ID, err)
			}
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for _, c := range schema.DomainCollections() {
		for _, rec := range recs[c] {
			keep, err := keepLocal(ctx, tx, c, rec)
			if err != nil {
				return 0, err
			}
			if keep {
				continue
			}
			if rec.SyncStatus == schema.StatusSyncing {
				rec.SyncStatus = schema.StatusPending
			}
			if err := putRecord(ctx, tx, c, rec); err != nil {
				return 0, err
			}
			count++

			if rec.SyncStatus == schema.StatusSynced {
				continue
			}
			var queued int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sync_queue WHERE collection = ? AND record_id = ?`,
				string(c), rec.ID).Scan(&queued); err != nil {
				return 0, fmt.Errorf("failed to check queue for %s %s: %w", c, rec.ID, err)
			}
			if queued == 0 {
				entry := &schema.QueueEntry{Collection: c, RecordID: rec.ID, Op: schema.OpUpdate, CreatedAt: rec.UpdatedAt}
				if err := enqueue(ctx, tx, entry); err != nil {
					return 0, err
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, nil
}

// keepLocal reports whether the stored copy of rec must survive an import.
func keepLocal(ctx context.Context, tx *sql.Tx, c schema.Collection, rec *schema.Record) (bool, error) {
	var status, updated string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT sync_status, updated_at FROM %s WHERE id = ?`, c), rec.ID).Scan(&status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s %s: %w", c, rec.ID, err)
	}
	local := parseTime(updated)
	switch {
	case local.After(rec.UpdatedAt):
		return true, nil
	case local.Equal(rec.UpdatedAt):
		return schema.SyncStatus(status) != schema.StatusSynced, nil
	}
	return false, nil
}
