package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"time"

	"shotplane/internal/store"
)

// Mock Store
type mockStore struct {
	pingErr error

	// Queue hooks
	items         map[int64]*store.QueueItem
	counts        map[store.Status]int64
	countErr      error
	createItemErr error
	createdItem   *store.QueueItem
	getItemsErr   error
	clearResp     int64
	clearErr      error
	deleteErr     error
	deleted       []int64

	// Spies
	capturedFilter store.ItemFilter

	// Test run hooks
	runs          map[int64]*store.TestRun
	getRunErr     error
	saveErr       error
	saved         []*store.TestRun
	statusUpdates map[int64]store.Status
	createRunErr  error
	created       []*store.TestRun
	deleteRunErr  error
	deletedRuns   []int64
}

func newMockStore() *mockStore {
	return &mockStore{
		items:         map[int64]*store.QueueItem{},
		counts:        map[store.Status]int64{},
		runs:          map[int64]*store.TestRun{},
		statusUpdates: map[int64]store.Status{},
	}
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockStore) CreateItem(ctx context.Context, item *store.QueueItem) (int64, error) {
	if m.createItemErr != nil {
		return 0, m.createItemErr
	}
	m.createdItem = item
	return 11, nil
}

func (m *mockStore) ClaimItem(ctx context.Context, queueName string, lease time.Duration) (*store.QueueItem, error) {
	return nil, nil
}

func (m *mockStore) ReleaseItem(ctx context.Context, item *store.QueueItem, status store.Status) (bool, error) {
	return true, nil
}

func (m *mockStore) DeleteItem(ctx context.Context, item *store.QueueItem) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, item.ID)
	return nil
}

func (m *mockStore) UpdateItemStatus(ctx context.Context, item *store.QueueItem, status store.Status) error {
	return nil
}

func (m *mockStore) NumberOfItems(ctx context.Context, queueName string, statuses ...store.Status) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	var n int64
	for _, s := range statuses {
		n += m.counts[s]
	}
	return n, nil
}

func (m *mockStore) NumberOfRunningItems(ctx context.Context, queueName string) (int64, error) {
	return m.counts[store.StatusRunning], nil
}

func (m *mockStore) GetItem(ctx context.Context, id int64) (*store.QueueItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return item, nil
}

func (m *mockStore) GetItems(ctx context.Context, filter store.ItemFilter) ([]store.QueueItem, error) {
	m.capturedFilter = filter
	if m.getItemsErr != nil {
		return nil, m.getItemsErr
	}
	var out []store.QueueItem
	for _, it := range m.items {
		out = append(out, *it)
	}
	return out, nil
}

func (m *mockStore) GetItemsByTest(ctx context.Context, queueName string, testID int64) ([]store.QueueItem, error) {
	return nil, nil
}

func (m *mockStore) GetItemStatus(ctx context.Context, id int64) (store.Status, error) {
	return "", nil
}

func (m *mockStore) ClearQueue(ctx context.Context, queueName string) (int64, error) {
	return m.clearResp, m.clearErr
}

func (m *mockStore) GarbageCollection(ctx context.Context, now time.Time, retention time.Duration) (store.GCStats, error) {
	return store.GCStats{}, nil
}

func (m *mockStore) CreateTestRun(ctx context.Context, run *store.TestRun) error {
	if m.createRunErr != nil {
		return m.createRunErr
	}
	run.ID = int64(100 + len(m.created))
	run.UUID = "uuid-new"
	run.Status = store.StatusIdle
	m.created = append(m.created, run)
	return nil
}

func (m *mockStore) GetTestRun(ctx context.Context, id int64) (*store.TestRun, error) {
	if m.getRunErr != nil {
		return nil, m.getRunErr
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (m *mockStore) GetTestRunByUUID(ctx context.Context, uuid string) (*store.TestRun, error) {
	return nil, store.ErrNotFound
}

func (m *mockStore) SaveTestRun(ctx context.Context, run *store.TestRun) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, run)
	return nil
}

func (m *mockStore) UpdateTestRunStatus(ctx context.Context, id int64, status store.Status) error {
	m.statusUpdates[id] = status
	return nil
}

func (m *mockStore) ResetOrphanedRunning(ctx context.Context) (int64, error) {
	return 0, nil
}

func (m *mockStore) DeleteTestRun(ctx context.Context, id int64) error {
	if m.deleteRunErr != nil {
		return m.deleteRunErr
	}
	m.deletedRuns = append(m.deletedRuns, id)
	delete(m.runs, id)
	return nil
}

// Mock artifacts
type mockArtifacts struct {
	err     error
	removed []int64
}

func (m *mockArtifacts) RemoveTest(ctx context.Context, testID int64) error {
	if m.err != nil {
		return m.err
	}
	m.removed = append(m.removed, testID)
	return nil
}

var testQueues = []Queue{
	{Name: "default", Worker: "local"},
	{Name: "grid", Worker: "remote"},
}

func newTestHandlers(m *mockStore, a *mockArtifacts) *Handlers {
	if a == nil {
		a = &mockArtifacts{}
	}
	return New(m, a, testQueues, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// serve routes a request through the full router.
func serve(h *Handlers, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}
