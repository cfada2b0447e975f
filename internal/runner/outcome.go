package runner

import (
	"errors"

	"shotplane/internal/store"
	"shotplane/internal/worker"
	"shotplane/internal/worker/runtime"
)

// Outcome is what the queue runner does with an item after dispatch.
type Outcome int

const (
	// OutcomeDone deletes the item and sets the test idle.
	OutcomeDone Outcome = iota
	// OutcomeDeferred parks the item as remote until its result is consumed.
	OutcomeDeferred
	// OutcomeRequeue releases the item to waiting and stops this invocation.
	OutcomeRequeue
	// OutcomeSuspend releases the item to error and stops the queue.
	OutcomeSuspend
	// OutcomeFailed marks item and test as error and moves on.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Classify maps a dispatch error to an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDone
	case errors.Is(err, worker.ErrDeferred):
		return OutcomeDeferred
	case errors.Is(err, worker.ErrAlreadyRunning):
		return OutcomeRequeue
	case errors.Is(err, runtime.ErrUnavailable),
		errors.Is(err, worker.ErrInvalidConfiguration),
		store.IsStorageError(err):
		return OutcomeSuspend
	default:
		return OutcomeFailed
	}
}

// itemStatus is the status an item and its test end in for o.
func (o Outcome) itemStatus() store.Status {
	switch o {
	case OutcomeDone:
		return store.StatusIdle
	case OutcomeDeferred:
		return store.StatusRemote
	case OutcomeRequeue:
		return store.StatusWaiting
	default:
		return store.StatusError
	}
}

// stops reports whether the runner stops the current invocation after o.
func (o Outcome) stops() bool {
	return o == OutcomeRequeue || o == OutcomeSuspend
}
