package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"shotplane/internal/store"

	"github.com/google/uuid"
)

const testRunColumns = `id, uuid, mode, status, browser, engine, configuration_path, html_report_path,
	lifetime_metadata, last_run_metadata, result, created_at, updated_at`

// CreateTestRun inserts a test run with its viewports and scenarios in one transaction.
func (s *Store) CreateTestRun(ctx context.Context, run *store.TestRun) error {
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = store.StatusIdle
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "begin create test run", Err: err}
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO test_runs (uuid, mode, status, browser, engine)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, run.UUID, run.Mode, run.Status, run.Browser, run.Engine).Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return &store.StorageError{Op: "insert test run", Err: err}
	}

	if err := s.insertViewports(ctx, tx, run); err != nil {
		return err
	}
	if err := s.insertScenarios(ctx, tx, run); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "commit test run", Err: err}
	}
	return nil
}

func (s *Store) insertViewports(ctx context.Context, tx store.DBTransaction, run *store.TestRun) error {
	for i := range run.Viewports {
		v := &run.Viewports[i]
		err := s.getExecutor(tx).QueryRowContext(ctx, `
			INSERT INTO test_viewports (test_id, position, name, width, height)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, run.ID, i, v.Name, v.Width, v.Height).Scan(&v.ID)
		if err != nil {
			return &store.StorageError{Op: "insert viewport", Err: err}
		}
	}
	return nil
}

func (s *Store) insertScenarios(ctx context.Context, tx store.DBTransaction, run *store.TestRun) error {
	for i := range run.Scenarios {
		sc := &run.Scenarios[i]
		options, err := json.Marshal(sc.Options)
		if err != nil {
			return fmt.Errorf("failed to encode scenario options: %w", err)
		}
		err = s.getExecutor(tx).QueryRowContext(ctx, `
			INSERT INTO test_scenarios (test_id, position, label, reference_url, test_url, options)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, run.ID, i, sc.Label, sc.ReferenceURL, sc.TestURL, options).Scan(&sc.ID)
		if err != nil {
			return &store.StorageError{Op: "insert scenario", Err: err}
		}
	}
	return nil
}

func (s *Store) GetTestRun(ctx context.Context, id int64) (*store.TestRun, error) {
	return s.getTestRun(ctx, "id = $1", id)
}

func (s *Store) GetTestRunByUUID(ctx context.Context, id string) (*store.TestRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("test run %q: %w", id, store.ErrNotFound)
	}
	return s.getTestRun(ctx, "uuid = $1", id)
}

func (s *Store) getTestRun(ctx context.Context, where string, arg interface{}) (*store.TestRun, error) {
	var (
		run                       store.TestRun
		lifetime, lastRun, result []byte
	)

	err := s.db.QueryRowContext(ctx, "SELECT "+testRunColumns+" FROM test_runs WHERE "+where, arg).Scan(
		&run.ID, &run.UUID, &run.Mode, &run.Status, &run.Browser, &run.Engine,
		&run.ConfigurationPath, &run.HTMLReportPath,
		&lifetime, &lastRun, &result, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test run %v: %w", arg, store.ErrNotFound)
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get test run", Err: err}
	}

	if err := decodeJSON(lifetime, &run.LifetimeMetadata); err != nil {
		return nil, fmt.Errorf("test run %d lifetime metadata: %w", run.ID, err)
	}
	if err := decodeJSON(lastRun, &run.LastRunMetadata); err != nil {
		return nil, fmt.Errorf("test run %d last run metadata: %w", run.ID, err)
	}
	if err := decodeJSON(result, &run.Result); err != nil {
		return nil, fmt.Errorf("test run %d result: %w", run.ID, err)
	}

	if err := s.loadViewports(ctx, &run); err != nil {
		return nil, err
	}
	if err := s.loadScenarios(ctx, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) loadViewports(ctx context.Context, run *store.TestRun) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, width, height FROM test_viewports
		WHERE test_id = $1 ORDER BY position ASC
	`, run.ID)
	if err != nil {
		return &store.StorageError{Op: "list viewports", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var v store.Viewport
		if err := rows.Scan(&v.ID, &v.Name, &v.Width, &v.Height); err != nil {
			return &store.StorageError{Op: "scan viewport", Err: err}
		}
		run.Viewports = append(run.Viewports, v)
	}
	if err := rows.Err(); err != nil {
		return &store.StorageError{Op: "list viewports", Err: err}
	}
	return nil
}

func (s *Store) loadScenarios(ctx context.Context, run *store.TestRun) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, reference_url, test_url, options FROM test_scenarios
		WHERE test_id = $1 ORDER BY position ASC
	`, run.ID)
	if err != nil {
		return &store.StorageError{Op: "list scenarios", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sc      store.Scenario
			options []byte
		)
		if err := rows.Scan(&sc.ID, &sc.Label, &sc.ReferenceURL, &sc.TestURL, &options); err != nil {
			return &store.StorageError{Op: "scan scenario", Err: err}
		}
		if err := decodeJSON(options, &sc.Options); err != nil {
			return fmt.Errorf("scenario %d options: %w", sc.ID, err)
		}
		run.Scenarios = append(run.Scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return &store.StorageError{Op: "list scenarios", Err: err}
	}
	return nil
}

// SaveTestRun writes back paths, metadata and results.
func (s *Store) SaveTestRun(ctx context.Context, run *store.TestRun) error {
	lifetime, err := encodeJSONList(run.LifetimeMetadata)
	if err != nil {
		return err
	}
	lastRun, err := encodeJSONList(run.LastRunMetadata)
	if err != nil {
		return err
	}
	result, err := encodeJSONList(run.Result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs
		SET configuration_path = $1, html_report_path = $2,
			lifetime_metadata = $3, last_run_metadata = $4, result = $5, updated_at = NOW()
		WHERE id = $6
	`, run.ConfigurationPath, run.HTMLReportPath, lifetime, lastRun, result, run.ID)
	if err != nil {
		return &store.StorageError{Op: "save test run", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("test run %d: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateTestRunStatus(ctx context.Context, id int64, status store.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return &store.StorageError{Op: "update test run status", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("test run %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ResetOrphanedRunning releases runs left in running by a crashed worker.
// A run with a waiting item goes back to waiting; a run with no item left
// to claim it goes to error.
func (s *Store) ResetOrphanedRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE test_runs t
		SET status = CASE
			WHEN EXISTS (
				SELECT 1 FROM queue_items q
				WHERE q.test_id = t.id AND q.status = $1
			) THEN $1
			ELSE $3
		END,
		updated_at = NOW()
		WHERE t.status = $2
		AND NOT EXISTS (
			SELECT 1 FROM queue_items q
			WHERE q.test_id = t.id AND q.status IN ($2, $4)
		)
	`, store.StatusWaiting, store.StatusRunning, store.StatusError, store.StatusRemote)
	if err != nil {
		return 0, &store.StorageError{Op: "reset orphaned runs", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTestRun removes the run, its children and any queue items for it.
func (s *Store) DeleteTestRun(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "begin delete test run", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE test_id = $1`, id); err != nil {
		return &store.StorageError{Op: "delete queue items", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM test_runs WHERE id = $1`, id)
	if err != nil {
		return &store.StorageError{Op: "delete test run", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("test run %d: %w", id, store.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "commit delete test run", Err: err}
	}
	return nil
}

func decodeJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// encodeJSONList marshals nil slices as [] to satisfy the NOT NULL columns.
func encodeJSONList[T any](list []T) ([]byte, error) {
	if list == nil {
		list = []T{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("failed to encode test run field: %w", err)
	}
	return b, nil
}
