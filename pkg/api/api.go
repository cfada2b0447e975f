// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// EnqueueRequest is the request body for queueing a test run.
type EnqueueRequest struct {
	TestID int64 `json:"test_id"`
	// Stage is required for before_after tests and must be empty for a_b tests.
	Stage string `json:"stage,omitempty"`
	// Origin defaults to "api".
	Origin string `json:"origin,omitempty"`
}

// EnqueueResponse is the response body after queueing a test run.
type EnqueueResponse struct {
	ItemID    int64  `json:"item_id"`
	QueueName string `json:"queue_name"`
	Status    string `json:"status"`
}

// QueueItemResponse represents a queue item in API responses.
type QueueItemResponse struct {
	ID        int64      `json:"id"`
	TestID    int64      `json:"test_id"`
	QueueName string     `json:"queue_name"`
	Status    string     `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	Origin    string     `json:"origin"`
	CreatedAt time.Time  `json:"created_at"`
	LeasedTo  *time.Time `json:"leased_to,omitempty"`
}

// ListItemsResponse is the response body for listing queue items.
type ListItemsResponse struct {
	Items []QueueItemResponse `json:"items"`
}

// QueueSummary counts the items of one queue by status.
type QueueSummary struct {
	Name   string           `json:"name"`
	Worker string           `json:"worker"`
	Counts map[string]int64 `json:"counts"`
}

// QueuesResponse is the response body for GET /api/v1/queues.
type QueuesResponse struct {
	Queues []QueueSummary `json:"queues"`
}

// ClearQueueResponse reports how many items were removed.
type ClearQueueResponse struct {
	Deleted int64 `json:"deleted"`
}

// RunMetadata summarizes one run of a test.
type RunMetadata struct {
	Stage          string    `json:"stage,omitempty"`
	Datetime       time.Time `json:"datetime"`
	Duration       float64   `json:"duration"`
	PassedCount    *int      `json:"passed_count"`
	FailedCount    *int      `json:"failed_count"`
	PassRate       float64   `json:"pass_rate"`
	ContainsResult bool      `json:"contains_result"`
	Success        bool      `json:"success"`
}

// ScreenshotResult is one scenario/viewport comparison.
type ScreenshotResult struct {
	ScenarioID    int64  `json:"scenario_id"`
	ViewportID    int64  `json:"viewport_id"`
	ReferencePath string `json:"reference_path"`
	TestPath      string `json:"test_path"`
	DiffPath      string `json:"diff_path,omitempty"`
	Success       bool   `json:"success"`
}

// TestRunResponse represents a test run in API responses.
type TestRunResponse struct {
	ID             int64              `json:"id"`
	UUID           string             `json:"uuid"`
	Mode           string             `json:"mode"`
	Status         string             `json:"status"`
	Browser        string             `json:"browser,omitempty"`
	Engine         string             `json:"engine,omitempty"`
	ViewportCount  int                `json:"viewport_count"`
	ScenarioCount  int                `json:"scenario_count"`
	HTMLReportPath string             `json:"html_report_path,omitempty"`
	LastRun        []RunMetadata      `json:"last_run"`
	Result         []ScreenshotResult `json:"result"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Viewport is a named screen size of a new test run.
type Viewport struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Scenario is one page of a new test run. The optional fields are handed to
// the diff tool unchanged.
type Scenario struct {
	Label             string   `json:"label"`
	ReferenceURL      string   `json:"reference_url"`
	TestURL           string   `json:"test_url"`
	ReadyEvent        string   `json:"ready_event,omitempty"`
	Delay             int      `json:"delay,omitempty"`
	MisMatchThreshold float64  `json:"mismatch_threshold,omitempty"`
	Selectors         []string `json:"selectors,omitempty"`
	RemoveSelectors   []string `json:"remove_selectors,omitempty"`
	HideSelectors     []string `json:"hide_selectors,omitempty"`
	OnBeforeScript    string   `json:"on_before_script,omitempty"`
	OnReadyScript     string   `json:"on_ready_script,omitempty"`
}

// CreateTestRunRequest is the request body for registering a test run.
type CreateTestRunRequest struct {
	Mode      string     `json:"mode"`
	Browser   string     `json:"browser,omitempty"`
	Engine    string     `json:"engine,omitempty"`
	Viewports []Viewport `json:"viewports"`
	Scenarios []Scenario `json:"scenarios"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
