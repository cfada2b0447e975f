package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"shotplane/pkg/api"
	"strconv"
	"time"
)

// ShotClient handles API calls to the shotplane controller.
type ShotClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewShotClient creates a new client for the given base URL.
func NewShotClient(baseURL string) *ShotClient {
	return &ShotClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes the response into out when out is not nil.
// Any status other than want is returned as an *APIError.
func (c *ShotClient) do(method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the message of an api.ErrorResponse, falling back to
// the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

// Enqueue sends POST /api/v1/queues/{queue}/items.
func (c *ShotClient) Enqueue(queue string, req api.EnqueueRequest) (*api.EnqueueResponse, error) {
	var result api.EnqueueResponse
	path := fmt.Sprintf("/api/v1/queues/%s/items", url.PathEscape(queue))
	if err := c.do(http.MethodPost, path, req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListQueues sends GET /api/v1/queues.
func (c *ShotClient) ListQueues() ([]api.QueueSummary, error) {
	var result api.QueuesResponse
	if err := c.do(http.MethodGet, "/api/v1/queues", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Queues, nil
}

// ListItems sends GET /api/v1/queues/{queue}/items.
func (c *ShotClient) ListItems(queue string, statuses []string, limit, offset int) ([]api.QueueItemResponse, error) {
	q := url.Values{}
	for _, s := range statuses {
		q.Add("status", s)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := fmt.Sprintf("/api/v1/queues/%s/items", url.PathEscape(queue))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result api.ListItemsResponse
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ClearQueue sends DELETE /api/v1/queues/{queue}/items.
func (c *ShotClient) ClearQueue(queue string) (int64, error) {
	var result api.ClearQueueResponse
	path := fmt.Sprintf("/api/v1/queues/%s/items", url.PathEscape(queue))
	if err := c.do(http.MethodDelete, path, nil, http.StatusOK, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// DeleteItem sends DELETE /api/v1/items/{id}.
func (c *ShotClient) DeleteItem(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/v1/items/%d", id), nil, http.StatusNoContent, nil)
}

// GetTestRun sends GET /api/v1/tests/{id}.
func (c *ShotClient) GetTestRun(id int64) (*api.TestRunResponse, error) {
	var result api.TestRunResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/api/v1/tests/%d", id), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateTestRun sends POST /api/v1/tests.
func (c *ShotClient) CreateTestRun(req api.CreateTestRunRequest) (*api.TestRunResponse, error) {
	var result api.TestRunResponse
	if err := c.do(http.MethodPost, "/api/v1/tests", req, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteTestRun sends DELETE /api/v1/tests/{id}.
func (c *ShotClient) DeleteTestRun(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/v1/tests/%d", id), nil, http.StatusNoContent, nil)
}

// ClearArtifacts sends DELETE /api/v1/tests/{id}/artifacts.
func (c *ShotClient) ClearArtifacts(id int64) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/api/v1/tests/%d/artifacts", id), nil, http.StatusNoContent, nil)
}
