package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"shotplane/internal/store"
	"shotplane/pkg/api"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int { return &v }

func TestGetTestRun(t *testing.T) {
	m := newMockStore()
	m.runs[42] = &store.TestRun{
		ID:             42,
		UUID:           "uuid-42",
		Mode:           store.ModeAB,
		Status:         store.StatusIdle,
		Viewports:      []store.Viewport{{ID: 1}, {ID: 2}},
		Scenarios:      []store.Scenario{{ID: 3}},
		HTMLReportPath: "/private/42/html_report/index.html",
		LastRunMetadata: []store.RunMetadata{
			store.NewRunMetadata("", 2, 1, time.Unix(1700000000, 0), time.Second, intPtr(2), intPtr(0), true),
		},
		Result: []store.ScreenshotResult{{ScenarioID: 3, ViewportID: 1, Success: true}, {ScenarioID: 3, ViewportID: 2, Success: true}},
	}

	rr := serve(newTestHandlers(m, nil), http.MethodGet, "/api/v1/tests/42", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}

	var resp api.TestRunResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UUID != "uuid-42" || resp.ViewportCount != 2 || resp.ScenarioCount != 1 || len(resp.Result) != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.LastRun) != 1 || !resp.LastRun[0].Success || resp.LastRun[0].PassRate != 1 {
		t.Errorf("unexpected last run %+v", resp.LastRun)
	}
}

func TestGetTestRun_Errors(t *testing.T) {
	m := newMockStore()
	if rr := serve(newTestHandlers(m, nil), http.MethodGet, "/api/v1/tests/7", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing run: got %d", rr.Code)
	}
	if rr := serve(newTestHandlers(m, nil), http.MethodGet, "/api/v1/tests/0", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid id: got %d", rr.Code)
	}
	m.getRunErr = errors.New("db down")
	if rr := serve(newTestHandlers(m, nil), http.MethodGet, "/api/v1/tests/7", ""); rr.Code != http.StatusInternalServerError {
		t.Errorf("db error: got %d", rr.Code)
	}
}

func TestClearArtifacts(t *testing.T) {
	tests := []struct {
		name           string
		status         store.Status
		artifactErr    error
		expectedStatus int
		expectRemoved  bool
	}{
		{"Idle Test", store.StatusIdle, nil, http.StatusNoContent, true},
		{"Errored Test", store.StatusError, nil, http.StatusNoContent, true},
		{"Running Test", store.StatusRunning, nil, http.StatusConflict, false},
		{"Remote Test", store.StatusRemote, nil, http.StatusConflict, false},
		{"Remove Failure", store.StatusIdle, errors.New("permission denied"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			m.runs[42] = &store.TestRun{
				ID:                42,
				Status:            tt.status,
				ConfigurationPath: "/private/42/backstop.json",
				Result:            []store.ScreenshotResult{{ScenarioID: 1}},
			}
			artifacts := &mockArtifacts{err: tt.artifactErr}

			rr := serve(newTestHandlers(m, artifacts), http.MethodDelete, "/api/v1/tests/42/artifacts", "")

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if got := len(artifacts.removed) == 1; got != tt.expectRemoved {
				t.Errorf("removed = %v, want %v", artifacts.removed, tt.expectRemoved)
			}
			if tt.expectRemoved {
				if len(m.saved) != 1 || m.saved[0].ConfigurationPath != "" || len(m.saved[0].Result) != 0 {
					t.Errorf("expected cleared test run to be saved, got %+v", m.saved)
				}
			}
		})
	}
}

func TestCreateTestRun(t *testing.T) {
	m := newMockStore()
	body := `{
		"mode": "before_after",
		"browser": "firefox",
		"viewports": [{"name": "phone", "width": 320, "height": 480}],
		"scenarios": [{"label": "home", "reference_url": "https://prod", "test_url": "https://stage", "delay": 500, "hide_selectors": [".ads"]}]
	}`

	rr := serve(newTestHandlers(m, nil), http.MethodPost, "/api/v1/tests", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}

	var resp api.TestRunResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != 100 || resp.Mode != "before_after" || resp.ViewportCount != 1 || resp.ScenarioCount != 1 {
		t.Errorf("unexpected response %+v", resp)
	}

	want := []store.Scenario{{
		Label:        "home",
		ReferenceURL: "https://prod",
		TestURL:      "https://stage",
		Options:      store.ScenarioOptions{Delay: 500, HideSelectors: []string{".ads"}},
	}}
	if diff := cmp.Diff(want, m.created[0].Scenarios); diff != "" {
		t.Errorf("scenarios mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateTestRun_Validation(t *testing.T) {
	tests := map[string]string{
		"bad json":        `{`,
		"unknown mode":    `{"mode": "pixel", "viewports": [{"name": "a", "width": 1, "height": 1}], "scenarios": [{"label": "a", "reference_url": "r", "test_url": "t"}]}`,
		"no viewports":    `{"mode": "a_b", "scenarios": [{"label": "a", "reference_url": "r", "test_url": "t"}]}`,
		"zero width":      `{"mode": "a_b", "viewports": [{"name": "a", "width": 0, "height": 1}], "scenarios": [{"label": "a", "reference_url": "r", "test_url": "t"}]}`,
		"duplicate label": `{"mode": "a_b", "viewports": [{"name": "a", "width": 1, "height": 1}], "scenarios": [{"label": "a", "reference_url": "r", "test_url": "t"}, {"label": "a", "reference_url": "r", "test_url": "t"}]}`,
		"no test url":     `{"mode": "a_b", "viewports": [{"name": "a", "width": 1, "height": 1}], "scenarios": [{"label": "a", "reference_url": "r"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			m := newMockStore()
			rr := serve(newTestHandlers(m, nil), http.MethodPost, "/api/v1/tests", body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rr.Code)
			}
			if len(m.created) != 0 {
				t.Error("invalid run must not be stored")
			}
		})
	}
}

func TestCreateTestRun_StorageError(t *testing.T) {
	m := newMockStore()
	m.createRunErr = errors.New("db down")
	body := `{"mode": "a_b", "viewports": [{"name": "a", "width": 1, "height": 1}], "scenarios": [{"label": "a", "reference_url": "r", "test_url": "t"}]}`

	if rr := serve(newTestHandlers(m, nil), http.MethodPost, "/api/v1/tests", body); rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rr.Code)
	}
}

func TestDeleteTestRun(t *testing.T) {
	tests := []struct {
		name           string
		status         store.Status
		artifactErr    error
		expectedStatus int
		expectDeleted  bool
	}{
		{"Idle Test", store.StatusIdle, nil, http.StatusNoContent, true},
		{"Queued Test", store.StatusWaiting, nil, http.StatusNoContent, true},
		{"Running Test", store.StatusRunning, nil, http.StatusConflict, false},
		{"Leftover Files", store.StatusIdle, errors.New("permission denied"), http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockStore()
			m.runs[42] = &store.TestRun{ID: 42, Status: tt.status}
			artifacts := &mockArtifacts{err: tt.artifactErr}

			rr := serve(newTestHandlers(m, artifacts), http.MethodDelete, "/api/v1/tests/42", "")

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if got := len(m.deletedRuns) == 1; got != tt.expectDeleted {
				t.Errorf("deleted = %v, want %v", m.deletedRuns, tt.expectDeleted)
			}
			if tt.expectDeleted && tt.artifactErr == nil && len(artifacts.removed) != 1 {
				t.Errorf("expected artifacts to be removed, got %v", artifacts.removed)
			}
		})
	}
}

func TestDeleteTestRun_NotFound(t *testing.T) {
	if rr := serve(newTestHandlers(newMockStore(), nil), http.MethodDelete, "/api/v1/tests/9", ""); rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
}
