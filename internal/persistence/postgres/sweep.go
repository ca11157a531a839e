package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// deleteOlderThan removes rows with column < cutoff in LIMIT-bounded batches
// so retention sweeps never hold long row locks. Table and column names come
// from repo code, never from callers.
func deleteOlderThan(ctx context.Context, db *sqlx.DB, timeout time.Duration, table, column string, cutoff time.Time, batchSize int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE ctid IN (
			SELECT ctid FROM %s WHERE %s < $1 LIMIT $2
		)`, table, table, column)

	var total int64
	for {
		batchCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := db.ExecContext(batchCtx, query, cutoff.UTC(), batchSize)
		cancel()
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to read sweep rows affected for %s: %w", table, err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
