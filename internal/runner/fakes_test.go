package runner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"shotplane/internal/backstop"
	"shotplane/internal/notify"
	"shotplane/internal/store"
	"shotplane/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// memQueue is an in-memory store.QueueStore.
type memQueue struct {
	mu     sync.Mutex
	items  map[int64]*store.QueueItem
	nextID int64
	clock  int64
	now    func() time.Time
	err    error
}

func newMemQueue() *memQueue {
	return &memQueue{items: map[int64]*store.QueueItem{}, now: time.Now}
}

// add enqueues a waiting item with strictly increasing creation times.
func (q *memQueue) add(queue string, testID int64, stage string) *store.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.clock++
	item := &store.QueueItem{
		ID:        q.nextID,
		TestID:    testID,
		QueueName: queue,
		Status:    store.StatusWaiting,
		Stage:     stage,
		Origin:    store.OriginAPI,
		Created:   q.clock,
	}
	q.items[item.ID] = item
	return item
}

func (q *memQueue) get(id int64) (store.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return store.QueueItem{}, false
	}
	return *it, true
}

func (q *memQueue) CreateItem(ctx context.Context, item *store.QueueItem) (int64, error) {
	created := q.add(item.QueueName, item.TestID, item.Stage)
	return created.ID, nil
}

func (q *memQueue) ClaimItem(ctx context.Context, queueName string, lease time.Duration) (*store.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}

	var candidates []*store.QueueItem
	for _, it := range q.items {
		if it.QueueName == queueName && it.Expire == 0 && it.Status == store.StatusWaiting {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Created != candidates[j].Created {
			return candidates[i].Created < candidates[j].Created
		}
		return candidates[i].ID < candidates[j].ID
	})
	it := candidates[0]
	it.Expire = q.now().Add(lease).Unix()
	cp := *it
	return &cp, nil
}

func (q *memQueue) ReleaseItem(ctx context.Context, item *store.QueueItem, status store.Status) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[item.ID]
	if !ok {
		return false, nil
	}
	it.Expire = 0
	it.Status = status
	item.Expire = 0
	item.Status = status
	return true, nil
}

func (q *memQueue) DeleteItem(ctx context.Context, item *store.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, item.ID)
	return nil
}

func (q *memQueue) UpdateItemStatus(ctx context.Context, item *store.QueueItem, status store.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[item.ID]; ok {
		it.Status = status
	}
	item.Status = status
	return nil
}

func (q *memQueue) NumberOfItems(ctx context.Context, queueName string, statuses ...store.Status) (int64, error) {
	items, _ := q.GetItems(ctx, store.ItemFilter{QueueName: queueName, Statuses: statuses})
	return int64(len(items)), nil
}

func (q *memQueue) NumberOfRunningItems(ctx context.Context, queueName string) (int64, error) {
	return q.NumberOfItems(ctx, queueName, store.StatusRunning)
}

func (q *memQueue) GetItem(ctx context.Context, id int64) (*store.QueueItem, error) {
	it, ok := q.get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &it, nil
}

func (q *memQueue) GetItems(ctx context.Context, filter store.ItemFilter) ([]store.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.QueueItem
	for _, it := range q.items {
		if filter.QueueName != "" && it.QueueName != filter.QueueName {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				match = match || s == it.Status
			}
			if !match {
				continue
			}
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *memQueue) GetItemsByTest(ctx context.Context, queueName string, testID int64) ([]store.QueueItem, error) {
	items, _ := q.GetItems(ctx, store.ItemFilter{QueueName: queueName})
	var out []store.QueueItem
	for _, it := range items {
		if it.TestID == testID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *memQueue) GetItemStatus(ctx context.Context, id int64) (store.Status, error) {
	it, ok := q.get(id)
	if !ok {
		return "", store.ErrNotFound
	}
	return it.Status, nil
}

func (q *memQueue) ClearQueue(ctx context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, it := range q.items {
		if it.QueueName == queueName {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

func (q *memQueue) GarbageCollection(ctx context.Context, now time.Time, retention time.Duration) (store.GCStats, error) {
	return store.GCStats{}, nil
}

// memTests is an in-memory store.TestRunStore.
type memTests struct {
	mu      sync.Mutex
	runs    map[int64]*store.TestRun
	saves   int
	saveErr error
	getErr  error
}

func newMemTests(runs ...*store.TestRun) *memTests {
	m := &memTests{runs: map[int64]*store.TestRun{}}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *memTests) CreateTestRun(ctx context.Context, run *store.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memTests) GetTestRun(ctx context.Context, id int64) (*store.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (m *memTests) GetTestRunByUUID(ctx context.Context, uuid string) (*store.TestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.UUID == uuid {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memTests) SaveTestRun(ctx context.Context, run *store.TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.runs[run.ID] = run
	return nil
}

func (m *memTests) UpdateTestRunStatus(ctx context.Context, id int64, status store.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		r.Status = status
	}
	return nil
}

func (m *memTests) ResetOrphanedRunning(ctx context.Context) (int64, error) { return 0, nil }

func (m *memTests) DeleteTestRun(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

func (m *memTests) status(id int64) store.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Status
}

// fakeArtifacts records configuration writes.
type fakeArtifacts struct {
	root     string
	writeErr error
	testDir  string
	diffs    map[string]bool
	written  []int64
}

func (f *fakeArtifacts) Paths(testID int64) backstop.Paths {
	return backstop.NewPaths(f.root, testID, "")
}

func (f *fakeArtifacts) WriteConfig(ctx context.Context, testID int64, cfg *backstop.Config) (string, error) {
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.written = append(f.written, testID)
	return f.Paths(testID).ConfigFile, nil
}

func (f *fakeArtifacts) LatestTestDir(testID int64) (string, error) {
	if f.testDir == "" {
		return filepath.Join(f.Paths(testID).Config.BitmapsTest, "20240101-000000"), nil
	}
	return f.testDir, nil
}

func (f *fakeArtifacts) Exists(path string) bool {
	return f.diffs[path]
}

// fakeWorker returns scripted results per command.
type fakeWorker struct {
	mu       sync.Mutex
	results  map[string]worker.RunResult
	err      error
	commands []string
	block    chan struct{}
}

func (w *fakeWorker) Run(ctx context.Context, browser, command string, test *store.TestRun) (worker.RunResult, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	w.commands = append(w.commands, command)
	w.mu.Unlock()
	if w.err != nil {
		return worker.RunResult{}, w.err
	}
	return w.results[command], nil
}

func (w *fakeWorker) CheckRunStatus(ctx context.Context) error { return nil }

func (w *fakeWorker) Status(ctx context.Context) string { return "idle" }

type staticWorkers map[string]worker.Worker

func (s staticWorkers) Get(tag string) (worker.Worker, error) {
	w, ok := s[tag]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func passingResult(passed, failed int) worker.RunResult {
	return worker.RunResult{
		Succeeded:               failed == 0,
		PassedCount:             intPtr(passed),
		FailedCount:             intPtr(failed),
		BitmapGenerationSuccess: true,
		Engine:                  "puppeteer",
		Browser:                 "chrome",
	}
}

// newTest builds a test run with v viewports and s scenarios.
func newTest(id int64, mode store.Mode, v, s int) *store.TestRun {
	run := &store.TestRun{
		ID:     id,
		UUID:   "uuid-" + strconv.FormatInt(id, 10),
		Mode:   mode,
		Status: store.StatusIdle,
	}
	for i := 0; i < v; i++ {
		run.Viewports = append(run.Viewports, store.Viewport{
			ID:     int64(100 + i),
			Name:   "viewport-" + strconv.Itoa(i),
			Width:  320 * (i + 1),
			Height: 640,
		})
	}
	for i := 0; i < s; i++ {
		run.Scenarios = append(run.Scenarios, store.Scenario{
			ID:           int64(200 + i),
			Label:        "scenario-" + strconv.Itoa(i),
			ReferenceURL: "https://ref.example.com/" + strconv.Itoa(i),
			TestURL:      "https://test.example.com/" + strconv.Itoa(i),
		})
	}
	return run
}
