// Package runner drains test queues: it claims queue items, runs them through
// a worker and writes the outcome back to the queue and the test run.
package runner

import (
	"fmt"
	"sort"
	"time"
)

// Default queue settings.
const (
	DefaultLease  = 15 * time.Minute
	DefaultBudget = 60 * time.Second
)

// QueueDefinition describes one named queue and the worker that serves it.
type QueueDefinition struct {
	Name    string
	Worker  string        // worker type tag
	Browser string        // browser handed to the worker
	Lease   time.Duration // claim lease
	Budget  time.Duration // wall clock budget of one runner invocation
	// Direct publishes remote items one at a time through the queue runner
	// and the worker registry instead of the batch publisher.
	Direct bool
}

func (d QueueDefinition) withDefaults() QueueDefinition {
	if d.Lease <= 0 {
		d.Lease = DefaultLease
	}
	if d.Budget <= 0 {
		d.Budget = DefaultBudget
	}
	if d.Browser == "" {
		d.Browser = "chrome"
	}
	return d
}

// Queues is a read-only set of queue definitions built at startup.
type Queues struct {
	defs map[string]QueueDefinition
}

// NewQueues validates defs and indexes them by name.
func NewQueues(defs ...QueueDefinition) (*Queues, error) {
	q := &Queues{defs: make(map[string]QueueDefinition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("queue name is required")
		}
		if d.Worker == "" {
			return nil, fmt.Errorf("queue %s: worker type is required", d.Name)
		}
		if _, ok := q.defs[d.Name]; ok {
			return nil, fmt.Errorf("queue %s defined twice", d.Name)
		}
		q.defs[d.Name] = d.withDefaults()
	}
	return q, nil
}

// Get returns the definition of name.
func (q *Queues) Get(name string) (QueueDefinition, bool) {
	d, ok := q.defs[name]
	return d, ok
}

// All returns every definition ordered by name.
func (q *Queues) All() []QueueDefinition {
	out := make([]QueueDefinition, 0, len(q.defs))
	for _, d := range q.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the queue names ordered.
func (q *Queues) Names() []string {
	names := make([]string, 0, len(q.defs))
	for _, d := range q.All() {
		names = append(names, d.Name)
	}
	return names
}
