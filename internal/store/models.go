// Package store contains the database layer for shotplane.
package store

import (
	"encoding/json"
	"time"
)

// Status represents the state of a queue item. Test runs reuse the same
// values so that the entity always mirrors the item it is processed for.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRemote  Status = "remote"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusIdle    Status = "idle"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusRemote, StatusRunning, StatusError, StatusIdle:
		return true
	}
	return false
}

// Known stages of a before/after test. A/B runs have no stage.
const (
	StageNone   = ""
	StageBefore = "before"
	StageAfter  = "after"
)

// Origins identify who enqueued an item.
const (
	OriginAPI = "api"
	OriginCLI = "cli"
)

// QueueItem is a single unit of work in a named queue.
// Created and Expire are unix seconds; Expire == 0 means the item is not leased.
type QueueItem struct {
	ID        int64
	TestID    int64
	QueueName string
	Status    Status
	Stage     string
	Origin    string
	Data      json.RawMessage
	Created   int64
	Expire    int64
}

// Leased reports whether the item currently holds a lease at time now.
func (i *QueueItem) Leased(now time.Time) bool {
	return i.Expire != 0 && i.Expire >= now.Unix()
}

// ItemFilter narrows GetItems. Zero values match everything.
type ItemFilter struct {
	QueueName string
	Statuses  []Status
	Limit     int
	Offset    int
}

// GCStats reports what a garbage collection pass did.
type GCStats struct {
	Deleted  int64
	Released int64
}
