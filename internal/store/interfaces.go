package store

import (
	"context"
	"database/sql"
	"time"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// QueueStore is the persistent, lease-based work queue.
type QueueStore interface {
	// CreateItem inserts a waiting, unleased item and returns its id.
	CreateItem(ctx context.Context, item *QueueItem) (int64, error)

	// ClaimItem leases the oldest waiting item of the queue for the given duration.
	// Returns nil when nothing is claimable.
	ClaimItem(ctx context.Context, queueName string, lease time.Duration) (*QueueItem, error)

	// ReleaseItem drops the lease and sets the item status.
	ReleaseItem(ctx context.Context, item *QueueItem, status Status) (bool, error)

	DeleteItem(ctx context.Context, item *QueueItem) error
	UpdateItemStatus(ctx context.Context, item *QueueItem, status Status) error
	NumberOfItems(ctx context.Context, queueName string, statuses ...Status) (int64, error)
	NumberOfRunningItems(ctx context.Context, queueName string) (int64, error)
	GetItem(ctx context.Context, id int64) (*QueueItem, error)
	GetItems(ctx context.Context, filter ItemFilter) ([]QueueItem, error)
	GetItemsByTest(ctx context.Context, queueName string, testID int64) ([]QueueItem, error)
	GetItemStatus(ctx context.Context, id int64) (Status, error)
	ClearQueue(ctx context.Context, queueName string) (int64, error)

	// GarbageCollection deletes leased items created before now-retention whose
	// lease has expired and releases every other expired lease.
	GarbageCollection(ctx context.Context, now time.Time, retention time.Duration) (GCStats, error)
}

// TestRunStore persists test runs and their viewports and scenarios.
type TestRunStore interface {
	// CreateTestRun inserts the run with its viewports and scenarios.
	CreateTestRun(ctx context.Context, run *TestRun) error

	GetTestRun(ctx context.Context, id int64) (*TestRun, error)
	GetTestRunByUUID(ctx context.Context, uuid string) (*TestRun, error)

	// SaveTestRun persists paths, metadata and results. Status is not touched.
	SaveTestRun(ctx context.Context, run *TestRun) error

	UpdateTestRunStatus(ctx context.Context, id int64, status Status) error

	// ResetOrphanedRunning moves runs stuck in running back to waiting when no
	// queue item for them is running anymore, or to error when no item is left.
	ResetOrphanedRunning(ctx context.Context) (int64, error)

	DeleteTestRun(ctx context.Context, id int64) error
}
