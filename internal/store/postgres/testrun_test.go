package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"shotplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

var testRunRowColumns = []string{
	"id", "uuid", "mode", "status", "browser", "engine", "configuration_path", "html_report_path",
	"lifetime_metadata", "last_run_metadata", "result", "created_at", "updated_at",
}

func TestCreateTestRun_InsertsChildren(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	run := &store.TestRun{
		Mode:      store.ModeAB,
		Browser:   "chromium",
		Engine:    "puppeteer",
		Viewports: []store.Viewport{{Name: "phone", Width: 320, Height: 480}},
		Scenarios: []store.Scenario{{Label: "home", ReferenceURL: "https://ref", TestURL: "https://test"}},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO test_runs`).
		WithArgs(sqlmock.AnyArg(), "a_b", "idle", "chromium", "puppeteer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, fixedNow, fixedNow))
	mock.ExpectQuery(`INSERT INTO test_viewports`).
		WithArgs(int64(42), 0, "phone", 320, 480).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
	mock.ExpectQuery(`INSERT INTO test_scenarios`).
		WithArgs(int64(42), 0, "home", "https://ref", "https://test", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(200))
	mock.ExpectCommit()

	if err := s.CreateTestRun(context.Background(), run); err != nil {
		t.Fatalf("CreateTestRun failed: %v", err)
	}
	if run.ID != 42 || run.UUID == "" {
		t.Errorf("unexpected run identity id=%d uuid=%q", run.ID, run.UUID)
	}
	if run.Viewports[0].ID != 100 || run.Scenarios[0].ID != 200 {
		t.Errorf("child ids not assigned: %+v %+v", run.Viewports, run.Scenarios)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetTestRun_LoadsEverything(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	lastRun := `[{"stage":"","viewportCount":1,"scenarioCount":1,"datetime":"2023-11-14T22:13:20Z","duration":3,"passedCount":1,"failedCount":0,"passRate":1,"containsResult":true,"success":true}]`

	mock.ExpectQuery(`SELECT .* FROM test_runs WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(testRunRowColumns).AddRow(
			42, "0f8fad5b-d9cb-469f-a165-70867728950e", "a_b", "idle", "chromium", "puppeteer",
			"/private/42/backstop.json", "/private/42/html_report/index.html",
			[]byte(lastRun), []byte(lastRun), []byte(`[]`), fixedNow, fixedNow,
		))
	mock.ExpectQuery(`SELECT id, name, width, height FROM test_viewports`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "width", "height"}).
			AddRow(100, "phone", 320, 480).
			AddRow(101, "desktop", 1920, 1080))
	mock.ExpectQuery(`SELECT id, label, reference_url, test_url, options FROM test_scenarios`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "label", "reference_url", "test_url", "options"}).
			AddRow(200, "home", "https://ref", "https://test", []byte(`{"delay":500,"selectors":["document"]}`)))

	run, err := s.GetTestRun(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetTestRun failed: %v", err)
	}

	wantViewports := []store.Viewport{
		{ID: 100, Name: "phone", Width: 320, Height: 480},
		{ID: 101, Name: "desktop", Width: 1920, Height: 1080},
	}
	if diff := cmp.Diff(wantViewports, run.Viewports); diff != "" {
		t.Errorf("viewports mismatch (-want +got):\n%s", diff)
	}
	if run.Scenarios[0].Options.Delay != 500 || len(run.Scenarios[0].Options.Selectors) != 1 {
		t.Errorf("scenario options not decoded: %+v", run.Scenarios[0].Options)
	}
	if len(run.LastRunMetadata) != 1 || !run.LastRunMetadata[0].Success {
		t.Errorf("metadata not decoded: %+v", run.LastRunMetadata)
	}
	if !run.LastRunMetadata[0].Datetime.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("unexpected datetime %v", run.LastRunMetadata[0].Datetime)
	}
}

func TestGetTestRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .* FROM test_runs WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(testRunRowColumns))

	if _, err := s.GetTestRun(context.Background(), 9); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetTestRunByUUID_RejectsMalformed(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	if _, err := s.GetTestRunByUUID(context.Background(), "not-a-uuid"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no query expected: %v", err)
	}
}

func TestSaveTestRun_EncodesNilAsEmptyList(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	run := &store.TestRun{ID: 42, ConfigurationPath: "/cfg.json"}

	mock.ExpectExec(`UPDATE test_runs SET configuration_path`).
		WithArgs("/cfg.json", "", []byte(`[]`), []byte(`[]`), []byte(`[]`), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveTestRun(context.Background(), run); err != nil {
		t.Fatalf("SaveTestRun failed: %v", err)
	}
}

func TestUpdateTestRunStatus_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE test_runs SET status`).
		WithArgs("running", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateTestRunStatus(context.Background(), 1, store.StatusRunning); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResetOrphanedRunning(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE test_runs t SET status = CASE WHEN EXISTS \( SELECT 1 FROM queue_items q WHERE q.test_id = t.id AND q.status = \$1 \) THEN \$1 ELSE \$3 END`).
		WithArgs("waiting", "running", "error", "remote").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.ResetOrphanedRunning(context.Background())
	if err != nil {
		t.Fatalf("ResetOrphanedRunning failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestDeleteTestRun(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM queue_items WHERE test_id = \$1`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM test_runs WHERE id = \$1`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.DeleteTestRun(context.Background(), 5); err != nil {
		t.Fatalf("DeleteTestRun failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
