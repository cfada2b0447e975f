package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"shotplane/internal/store"
	"shotplane/pkg/api"
)

// CreateTestRun handles POST /api/v1/tests.
func (h *Handlers) CreateTestRun(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	run, err := newTestRun(req)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.CreateTestRun(r.Context(), run); err != nil {
		h.log(r).Error("failed to create test run", "error", err)
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	h.log(r).Info("test run created", "test_id", run.ID, "uuid", run.UUID, "mode", run.Mode)
	h.respondJson(w, http.StatusCreated, testRunResponse(run))
}

// newTestRun validates req. Viewport names and scenario labels must be
// unique since remote results refer to them by label.
func newTestRun(req api.CreateTestRunRequest) (*store.TestRun, error) {
	mode := store.Mode(req.Mode)
	if !mode.Valid() {
		return nil, fmt.Errorf("mode must be %s or %s", store.ModeAB, store.ModeBeforeAfter)
	}
	if len(req.Viewports) == 0 || len(req.Scenarios) == 0 {
		return nil, errors.New("at least one viewport and one scenario are required")
	}

	run := &store.TestRun{Mode: mode, Browser: req.Browser, Engine: req.Engine}

	names := make(map[string]bool, len(req.Viewports))
	for _, v := range req.Viewports {
		if v.Name == "" || v.Width <= 0 || v.Height <= 0 {
			return nil, fmt.Errorf("viewport %q needs a name and a positive size", v.Name)
		}
		if names[v.Name] {
			return nil, fmt.Errorf("duplicate viewport %q", v.Name)
		}
		names[v.Name] = true
		run.Viewports = append(run.Viewports, store.Viewport{Name: v.Name, Width: v.Width, Height: v.Height})
	}

	labels := make(map[string]bool, len(req.Scenarios))
	for _, sc := range req.Scenarios {
		if sc.Label == "" || sc.ReferenceURL == "" || sc.TestURL == "" {
			return nil, fmt.Errorf("scenario %q needs a label, a reference_url and a test_url", sc.Label)
		}
		if labels[sc.Label] {
			return nil, fmt.Errorf("duplicate scenario %q", sc.Label)
		}
		labels[sc.Label] = true
		run.Scenarios = append(run.Scenarios, store.Scenario{
			Label:        sc.Label,
			ReferenceURL: sc.ReferenceURL,
			TestURL:      sc.TestURL,
			Options: store.ScenarioOptions{
				ReadyEvent:        sc.ReadyEvent,
				Delay:             sc.Delay,
				MisMatchThreshold: sc.MisMatchThreshold,
				Selectors:         sc.Selectors,
				RemoveSelectors:   sc.RemoveSelectors,
				HideSelectors:     sc.HideSelectors,
				OnBeforeScript:    sc.OnBeforeScript,
				OnReadyScript:     sc.OnReadyScript,
			},
		})
	}
	return run, nil
}

// DeleteTestRun handles DELETE /api/v1/tests/{id}. The run, its queue items
// and its files are removed; a running test cannot be deleted.
func (h *Handlers) DeleteTestRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(r)
	if !ok {
		h.httpError(w, "Invalid test id", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetTestRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Test run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	if run.Status == store.StatusRunning {
		h.httpError(w, "Test run is in progress", http.StatusConflict)
		return
	}

	if err := h.store.DeleteTestRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Test run not found", http.StatusNotFound)
			return
		}
		h.log(r).Error("failed to delete test run", "test_id", id, "error", err)
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	// The record is gone either way; leftover files are only logged.
	if err := h.artifacts.RemoveTest(ctx, id); err != nil {
		h.log(r).Warn("failed to remove artifacts of deleted test run", "test_id", id, "error", err)
	}
	h.log(r).Info("test run deleted", "test_id", id)
	h.respondJson(w, http.StatusNoContent, nil)
}

// GetTestRun handles GET /api/v1/tests/{id}.
func (h *Handlers) GetTestRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.httpError(w, "Invalid test id", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetTestRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Test run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, testRunResponse(run))
}

// ClearArtifacts handles DELETE /api/v1/tests/{id}/artifacts.
// It removes screenshots, reports and configuration of an idle test run.
func (h *Handlers) ClearArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(r)
	if !ok {
		h.httpError(w, "Invalid test id", http.StatusBadRequest)
		return
	}

	run, err := h.store.GetTestRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Test run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	if run.Status == store.StatusRunning || run.Status == store.StatusRemote {
		h.httpError(w, "Test run is in progress", http.StatusConflict)
		return
	}

	if err := h.artifacts.RemoveTest(ctx, id); err != nil {
		h.log(r).Error("failed to remove artifacts", "test_id", id, "error", err)
		h.httpError(w, "Failed to remove artifacts", http.StatusInternalServerError)
		return
	}

	run.ConfigurationPath = ""
	run.HTMLReportPath = ""
	run.SetResult(nil)
	if err := h.store.SaveTestRun(ctx, run); err != nil {
		h.log(r).Error("failed to save test run", "test_id", id, "error", err)
		h.httpError(w, "Failed to save test run", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusNoContent, nil)
}

func testRunResponse(run *store.TestRun) api.TestRunResponse {
	resp := api.TestRunResponse{
		ID:             run.ID,
		UUID:           run.UUID,
		Mode:           string(run.Mode),
		Status:         string(run.Status),
		Browser:        run.Browser,
		Engine:         run.Engine,
		ViewportCount:  len(run.Viewports),
		ScenarioCount:  len(run.Scenarios),
		HTMLReportPath: run.HTMLReportPath,
		LastRun:        make([]api.RunMetadata, 0, len(run.LastRunMetadata)),
		Result:         make([]api.ScreenshotResult, 0, len(run.Result)),
		UpdatedAt:      run.UpdatedAt,
	}
	for _, m := range run.LastRunMetadata {
		resp.LastRun = append(resp.LastRun, api.RunMetadata{
			Stage:          m.Stage,
			Datetime:       m.Datetime,
			Duration:       m.Duration,
			PassedCount:    m.PassedCount,
			FailedCount:    m.FailedCount,
			PassRate:       m.PassRate,
			ContainsResult: m.ContainsResult,
			Success:        m.Success,
		})
	}
	for _, res := range run.Result {
		resp.Result = append(resp.Result, api.ScreenshotResult{
			ScenarioID:    res.ScenarioID,
			ViewportID:    res.ViewportID,
			ReferencePath: res.ReferencePath,
			TestPath:      res.TestPath,
			DiffPath:      res.DiffPath,
			Success:       res.Success,
		})
	}
	return resp
}
