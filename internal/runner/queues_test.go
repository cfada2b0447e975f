package runner

import (
	"testing"

	"shotplane/internal/worker"

	"github.com/google/go-cmp/cmp"
)

func TestNewQueues(t *testing.T) {
	queues, err := NewQueues(
		QueueDefinition{Name: "remote", Worker: worker.TypeRemote, Browser: "firefox"},
		QueueDefinition{Name: "default", Worker: worker.TypeLocal},
	)
	if err != nil {
		t.Fatalf("NewQueues failed: %v", err)
	}

	if diff := cmp.Diff([]string{"default", "remote"}, queues.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	def, ok := queues.Get("default")
	if !ok {
		t.Fatal("expected default queue")
	}
	if def.Browser != "chrome" || def.Lease != DefaultLease || def.Budget != DefaultBudget {
		t.Errorf("defaults not applied: %+v", def)
	}
	if r, _ := queues.Get("remote"); r.Browser != "firefox" {
		t.Errorf("explicit browser overwritten: %+v", r)
	}
	if _, ok := queues.Get("missing"); ok {
		t.Error("unexpected queue")
	}
}

func TestNewQueues_Invalid(t *testing.T) {
	tests := map[string][]QueueDefinition{
		"no name":   {{Worker: worker.TypeLocal}},
		"no worker": {{Name: "a"}},
		"duplicate": {{Name: "a", Worker: worker.TypeLocal}, {Name: "a", Worker: worker.TypeRemote}},
	}
	for name, defs := range tests {
		if _, err := NewQueues(defs...); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
