package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"shotplane/internal/store"
	"shotplane/pkg/api"

	"github.com/go-chi/chi/v5"
)

// maxListLimit caps GET /queues/{queue}/items.
const maxListLimit = 500

var allStatuses = []store.Status{
	store.StatusWaiting, store.StatusRunning, store.StatusRemote, store.StatusError, store.StatusIdle,
}

// ListQueues handles GET /api/v1/queues.
func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := api.QueuesResponse{Queues: []api.QueueSummary{}}

	for _, name := range h.queueNames() {
		summary := api.QueueSummary{Name: name, Worker: h.queues[name].Worker, Counts: map[string]int64{}}
		for _, st := range allStatuses {
			n, err := h.store.NumberOfItems(ctx, name, st)
			if err != nil {
				h.log(r).Error("failed to count queue items", "queue", name, "error", err)
				h.httpError(w, "Failed to count queue items", http.StatusInternalServerError)
				return
			}
			summary.Counts[string(st)] = n
		}
		resp.Queues = append(resp.Queues, summary)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// Enqueue handles POST /api/v1/queues/{queue}/items.
// It queues a test run for the given stage and marks the run as waiting.
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queue := chi.URLParam(r, "queue")
	if _, ok := h.queues[queue]; !ok {
		h.httpError(w, "Queue not found", http.StatusNotFound)
		return
	}

	var req api.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TestID <= 0 {
		h.httpError(w, "test_id is required", http.StatusBadRequest)
		return
	}
	if req.Origin == "" {
		req.Origin = store.OriginAPI
	}

	test, err := h.store.GetTestRun(ctx, req.TestID)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Test run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log(r).Error("failed to load test run", "test_id", req.TestID, "error", err)
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	if !store.ValidStage(test.Mode, req.Stage) {
		h.httpError(w, "Stage "+strconv.Quote(req.Stage)+" is not valid for mode "+string(test.Mode), http.StatusBadRequest)
		return
	}

	item := &store.QueueItem{
		TestID:    test.ID,
		QueueName: queue,
		Status:    store.StatusWaiting,
		Stage:     req.Stage,
		Origin:    req.Origin,
	}
	id, err := h.store.CreateItem(ctx, item)
	if errors.Is(err, store.ErrAlreadyQueued) {
		h.httpError(w, "Test is already queued", http.StatusConflict)
		return
	}
	if err != nil {
		h.log(r).Error("failed to enqueue test run", "test_id", test.ID, "queue", queue, "error", err)
		h.httpError(w, "Failed to enqueue", http.StatusInternalServerError)
		return
	}

	// A running test keeps its status until the runner settles it.
	if test.Status != store.StatusRunning {
		if err := h.store.UpdateTestRunStatus(ctx, test.ID, store.StatusWaiting); err != nil {
			h.log(r).Warn("failed to mark test run waiting", "test_id", test.ID, "error", err)
		}
	}

	h.log(r).Info("test run queued", "item_id", id, "test_id", test.ID, "queue", queue, "stage", req.Stage, "origin", req.Origin)
	h.respondJson(w, http.StatusCreated, api.EnqueueResponse{
		ItemID:    id,
		QueueName: queue,
		Status:    string(store.StatusWaiting),
	})
}

// ListItems handles GET /api/v1/queues/{queue}/items.
// Optional query parameters: status (repeatable), limit, offset.
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if _, ok := h.queues[queue]; !ok {
		h.httpError(w, "Queue not found", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	filter := store.ItemFilter{QueueName: queue, Limit: 100}
	for _, s := range q["status"] {
		st := store.Status(s)
		if !st.Valid() {
			h.httpError(w, "Invalid status "+strconv.Quote(s), http.StatusBadRequest)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}

	items, err := h.store.GetItems(r.Context(), filter)
	if err != nil {
		h.log(r).Error("failed to list queue items", "queue", queue, "error", err)
		h.httpError(w, "Failed to list queue items", http.StatusInternalServerError)
		return
	}

	resp := api.ListItemsResponse{Items: make([]api.QueueItemResponse, 0, len(items))}
	for i := range items {
		resp.Items = append(resp.Items, itemResponse(&items[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ClearQueue handles DELETE /api/v1/queues/{queue}/items.
func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if _, ok := h.queues[queue]; !ok {
		h.httpError(w, "Queue not found", http.StatusNotFound)
		return
	}

	n, err := h.store.ClearQueue(r.Context(), queue)
	if err != nil {
		h.log(r).Error("failed to clear queue", "queue", queue, "error", err)
		h.httpError(w, "Failed to clear queue", http.StatusInternalServerError)
		return
	}
	h.log(r).Info("queue cleared", "queue", queue, "deleted", n)
	h.respondJson(w, http.StatusOK, api.ClearQueueResponse{Deleted: n})
}

// GetItem handles GET /api/v1/items/{id}.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.httpError(w, "Invalid item id", http.StatusBadRequest)
		return
	}

	item, err := h.store.GetItem(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Queue item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, itemResponse(item))
}

// DeleteItem handles DELETE /api/v1/items/{id}.
// Items a worker is currently running cannot be deleted.
func (h *Handlers) DeleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(r)
	if !ok {
		h.httpError(w, "Invalid item id", http.StatusBadRequest)
		return
	}

	item, err := h.store.GetItem(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Queue item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	if item.Status == store.StatusRunning {
		h.httpError(w, "Queue item is running", http.StatusConflict)
		return
	}

	if err := h.store.DeleteItem(ctx, item); err != nil {
		h.log(r).Error("failed to delete queue item", "item_id", id, "error", err)
		h.httpError(w, "Failed to delete queue item", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusNoContent, nil)
}

func itemResponse(item *store.QueueItem) api.QueueItemResponse {
	resp := api.QueueItemResponse{
		ID:        item.ID,
		TestID:    item.TestID,
		QueueName: item.QueueName,
		Status:    string(item.Status),
		Stage:     item.Stage,
		Origin:    item.Origin,
		CreatedAt: time.Unix(item.Created, 0).UTC(),
	}
	if item.Expire != 0 {
		t := time.Unix(item.Expire, 0).UTC()
		resp.LeasedTo = &t
	}
	return resp
}
