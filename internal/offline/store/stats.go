package store

import (
	"context"
	"fmt"

	"github.com/assessly/fieldsync/internal/offline/schema"
)

const queueSizeExpr = "length(id) + length(record_id) + length(last_error) + length(collection) + length(op)"

// CollectionBytes returns the approximate bytes held per collection,
// including the sync queue.
func (db *DB) CollectionBytes(ctx context.Context) (map[schema.Collection]int64, error) {
	out := make(map[schema.Collection]int64, 4)
	for _, c := range schema.DomainCollections() {
		var n int64
		query := fmt.Sprintf(`SELECT COALESCE(SUM(%s), 0) FROM %s`, sizeExpr(c), c)
		if err := db.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to size %s: %w", c, err)
		}
		out[c] = n
	}

	var q int64
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(`+queueSizeExpr+`), 0) FROM sync_queue`).Scan(&q); err != nil {
		return nil, fmt.Errorf("failed to size sync_queue: %w", err)
	}
	out[schema.SyncQueue] = q
	return out, nil
}

// Counts returns the number of rows per collection, including the sync queue.
func (db *DB) Counts(ctx context.Context) (map[schema.Collection]int, error) {
	out := make(map[schema.Collection]int, 4)
	for _, c := range append(schema.DomainCollections(), schema.SyncQueue) {
		var n int
		if err := db.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c, err)
		}
		out[c] = n
	}
	return out, nil
}

// StatusCounts returns the number of domain records in each sync status,
// summed over all three domain collections.
func (db *DB) StatusCounts(ctx context.Context) (map[schema.SyncStatus]int, error) {
	out := make(map[schema.SyncStatus]int, 4)
	for _, c := range schema.DomainCollections() {
		rows, err := db.conn.QueryContext(ctx,
			fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, c))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s by status: %w", c, err)
		}
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan status count: %w", err)
			}
			out[schema.SyncStatus(status)] += n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating status counts: %w", err)
		}
	}
	return out, nil
}

// ProjectUsage aggregates record counts and bytes per project.
func (db *DB) ProjectUsage(ctx context.Context) (map[string]*schema.ProjectUsage, error) {
	out := make(map[string]*schema.ProjectUsage)
	for _, c := range schema.DomainCollections() {
		rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(
			`SELECT project_id, COUNT(*), COALESCE(SUM(%s), 0) FROM %s GROUP BY project_id`, sizeExpr(c), c))
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate %s by project: %w", c, err)
		}
		for rows.Next() {
			var project string
			var n int
			var bytes int64
			if err := rows.Scan(&project, &n, &bytes); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan project usage: %w", err)
			}
			u, ok := out[project]
			if !ok {
				u = &schema.ProjectUsage{}
				out[project] = u
			}
			switch c {
			case schema.Assessments:
				u.Assessments += n
			case schema.Photos:
				u.Photos += n
			case schema.Deficiencies:
				u.Deficiencies += n
			}
			u.Bytes += bytes
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating project usage: %w", err)
		}
	}
	return out, nil
}
