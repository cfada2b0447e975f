package worker

import (
	"fmt"
	"sort"
)

// Worker type tags.
const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// Factory builds a worker.
type Factory func() (Worker, error)

// Registry maps worker type tags to workers. It is filled once at startup and
// read only afterwards.
type Registry struct {
	factories map[string]Factory
	workers   map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		workers:   make(map[string]Worker),
	}
}

// Register adds a factory for tag. Registering a tag twice is an error.
func (r *Registry) Register(tag string, f Factory) error {
	if tag == "" || f == nil {
		return fmt.Errorf("worker tag and factory are required")
	}
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("worker type %q already registered", tag)
	}
	r.factories[tag] = f
	return nil
}

// Resolve builds every registered worker. It must be called before Get.
func (r *Registry) Resolve() error {
	for _, tag := range r.Tags() {
		w, err := r.factories[tag]()
		if err != nil {
			return fmt.Errorf("build %s worker: %w", tag, err)
		}
		r.workers[tag] = w
	}
	return nil
}

// Get returns the resolved worker for tag.
func (r *Registry) Get(tag string) (Worker, error) {
	w, ok := r.workers[tag]
	if !ok {
		return nil, fmt.Errorf("unknown worker type %q", tag)
	}
	return w, nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
