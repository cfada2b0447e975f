package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"shotplane/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const itemColumns = "id, test_id, queue_name, status, stage, origin, data, created, expire"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*store.QueueItem, error) {
	var (
		item  store.QueueItem
		stage sql.NullString
		data  []byte
	)
	if err := row.Scan(
		&item.ID, &item.TestID, &item.QueueName, &item.Status,
		&stage, &item.Origin, &data, &item.Created, &item.Expire,
	); err != nil {
		return nil, err
	}
	item.Stage = stage.String
	if len(data) > 0 {
		item.Data = json.RawMessage(data)
	}
	return &item, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func statusArray(statuses []store.Status) interface{} {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return pq.Array(out)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateItem inserts a new unleased item. Status defaults to waiting.
func (s *Store) CreateItem(ctx context.Context, item *store.QueueItem) (int64, error) {
	if item.Status == "" {
		item.Status = store.StatusWaiting
	}
	created := s.clock().Unix()

	query := `
		INSERT INTO queue_items (test_id, queue_name, status, stage, origin, data, created, expire)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		item.TestID, item.QueueName, item.Status, nullString(item.Stage),
		item.Origin, nullJSON(item.Data), created,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("test %d (stage %q) in queue %s: %w", item.TestID, item.Stage, item.QueueName, store.ErrAlreadyQueued)
		}
		return 0, &store.StorageError{Op: "create queue item", Err: err}
	}

	item.ID = id
	item.Created = created
	item.Expire = 0
	return id, nil
}

// ClaimItem selects the oldest waiting, unleased item and leases it with a
// conditional update. When another consumer wins the race the update affects
// no rows and selection starts over.
func (s *Store) ClaimItem(ctx context.Context, queueName string, lease time.Duration) (*store.QueueItem, error) {
	selectQuery := `
		SELECT ` + itemColumns + `
		FROM queue_items
		WHERE queue_name = $1 AND expire = 0 AND status = $2
		ORDER BY created ASC, id ASC
		LIMIT 1
	`
	updateQuery := `UPDATE queue_items SET expire = $1 WHERE id = $2 AND expire = 0`

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item, err := scanItem(s.db.QueryRowContext(ctx, selectQuery, queueName, store.StatusWaiting))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, &store.StorageError{Op: "select claimable item", Err: err}
		}

		expire := s.clock().Add(lease).Unix()
		res, err := s.db.ExecContext(ctx, updateQuery, expire, item.ID)
		if err != nil {
			return nil, &store.StorageError{Op: "lease item", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, &store.StorageError{Op: "lease item", Err: err}
		}
		if n == 0 {
			continue
		}

		item.Expire = expire
		return item, nil
	}
}

// ReleaseItem clears the lease and sets the given status.
func (s *Store) ReleaseItem(ctx context.Context, item *store.QueueItem, status store.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET expire = 0, status = $1 WHERE id = $2`,
		status, item.ID,
	)
	if err != nil {
		return false, &store.StorageError{Op: "release item", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &store.StorageError{Op: "release item", Err: err}
	}
	if n == 0 {
		return false, nil
	}

	item.Expire = 0
	item.Status = status
	return true, nil
}

func (s *Store) DeleteItem(ctx context.Context, item *store.QueueItem) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = $1`, item.ID); err != nil {
		return &store.StorageError{Op: "delete item", Err: err}
	}
	return nil
}

func (s *Store) UpdateItemStatus(ctx context.Context, item *store.QueueItem, status store.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_items SET status = $1 WHERE id = $2`, status, item.ID)
	if err != nil {
		return &store.StorageError{Op: "update item status", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("queue item %d: %w", item.ID, store.ErrNotFound)
	}
	item.Status = status
	return nil
}

// NumberOfItems counts items of a queue, optionally restricted to statuses.
func (s *Store) NumberOfItems(ctx context.Context, queueName string, statuses ...store.Status) (int64, error) {
	where, args := buildItemFilter(store.ItemFilter{QueueName: queueName, Statuses: statuses})

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_items"+where, args...).Scan(&count); err != nil {
		return 0, &store.StorageError{Op: "count items", Err: err}
	}
	return count, nil
}

func (s *Store) NumberOfRunningItems(ctx context.Context, queueName string) (int64, error) {
	return s.NumberOfItems(ctx, queueName, store.StatusRunning)
}

func (s *Store) GetItem(ctx context.Context, id int64) (*store.QueueItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM queue_items WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get item", Err: err}
	}
	return item, nil
}

func (s *Store) GetItems(ctx context.Context, filter store.ItemFilter) ([]store.QueueItem, error) {
	where, args := buildItemFilter(filter)
	query := "SELECT " + itemColumns + " FROM queue_items" + where + " ORDER BY created ASC, id ASC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryItems(ctx, query, args...)
}

func (s *Store) GetItemsByTest(ctx context.Context, queueName string, testID int64) ([]store.QueueItem, error) {
	query := "SELECT " + itemColumns + " FROM queue_items WHERE test_id = $1"
	args := []interface{}{testID}
	if queueName != "" {
		query += " AND queue_name = $2"
		args = append(args, queueName)
	}
	query += " ORDER BY created ASC, id ASC"

	return s.queryItems(ctx, query, args...)
}

func (s *Store) GetItemStatus(ctx context.Context, id int64) (store.Status, error) {
	var status store.Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("queue item %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return "", &store.StorageError{Op: "get item status", Err: err}
	}
	return status, nil
}

// ClearQueue deletes every item of the queue and returns how many were removed.
func (s *Store) ClearQueue(ctx context.Context, queueName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_name = $1`, queueName)
	if err != nil {
		return 0, &store.StorageError{Op: "clear queue", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GarbageCollection purges errored items whose lease expired and that were
// created before now-retention, then releases the remaining expired leases.
// Running items go back to waiting so they are claimed again, however old.
func (s *Store) GarbageCollection(ctx context.Context, now time.Time, retention time.Duration) (store.GCStats, error) {
	var stats store.GCStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &store.StorageError{Op: "begin garbage collection", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status = $3 AND expire <> 0 AND expire < $1 AND created < $2
	`, now.Unix(), now.Add(-retention).Unix(), store.StatusError)
	if err != nil {
		return stats, &store.StorageError{Op: "purge expired items", Err: err}
	}
	stats.Deleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE queue_items
		SET expire = 0, status = CASE WHEN status = $2 THEN $3 ELSE status END
		WHERE expire <> 0 AND expire < $1
	`, now.Unix(), store.StatusRunning, store.StatusWaiting)
	if err != nil {
		return stats, &store.StorageError{Op: "release expired leases", Err: err}
	}
	stats.Released, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return stats, &store.StorageError{Op: "commit garbage collection", Err: err}
	}
	return stats, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]store.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.StorageError{Op: "list items", Err: err}
	}
	defer rows.Close()

	var items []store.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "scan item", Err: err}
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list items", Err: err}
	}
	return items, nil
}

func buildItemFilter(filter store.ItemFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.QueueName != "" {
		args = append(args, filter.QueueName)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, statusArray(filter.Statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
