// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"shotplane/internal/logger"
	"shotplane/internal/store"
	"shotplane/pkg/api"

	"github.com/go-chi/chi/v5"
)

// Store combines the interfaces needed for the controller to function.
type Store interface {
	Ping(ctx context.Context) error
	store.QueueStore
	store.TestRunStore
}

// Artifacts removes the files written for a test run.
type Artifacts interface {
	RemoveTest(ctx context.Context, testID int64) error
}

// Queue names a configured queue and the worker type serving it.
type Queue struct {
	Name   string
	Worker string
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store     Store
	artifacts Artifacts
	queues    map[string]Queue
	logger    *slog.Logger
}

// New creates a new Handlers instance. Only the given queues are addressable.
func New(s Store, artifacts Artifacts, queues []Queue, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	h := &Handlers{store: s, artifacts: artifacts, queues: make(map[string]Queue, len(queues)), logger: log}
	for _, q := range queues {
		h.queues[q.Name] = q
	}
	return h
}

// Routes returns the API routes.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queues", h.ListQueues)
		r.Post("/queues/{queue}/items", h.Enqueue)
		r.Get("/queues/{queue}/items", h.ListItems)
		r.Delete("/queues/{queue}/items", h.ClearQueue)

		r.Get("/items/{id}", h.GetItem)
		r.Delete("/items/{id}", h.DeleteItem)

		r.Post("/tests", h.CreateTestRun)
		r.Get("/tests/{id}", h.GetTestRun)
		r.Delete("/tests/{id}", h.DeleteTestRun)
		r.Delete("/tests/{id}/artifacts", h.ClearArtifacts)
	})
	return r
}

// queueNames returns the configured queue names in order.
func (h *Handlers) queueNames() []string {
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handlers) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.logger)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
