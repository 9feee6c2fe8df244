package service

import (
	"github.com/cyverse/imageloader/service/cache"
)

// LoadState is the state of a Task, mirrored by every Stub waiting on it
type LoadState int

const (
	LoadStateBeforeInit LoadState = iota
	LoadStateInitialized
	LoadStateLoading
	LoadStateSucceeded
	LoadStateFailed
	LoadStateCanceled
	LoadStateDestroyed
)

func (state LoadState) String() string {
	switch state {
	case LoadStateBeforeInit:
		return "before_init"
	case LoadStateInitialized:
		return "initialized"
	case LoadStateLoading:
		return "loading"
	case LoadStateSucceeded:
		return "succeeded"
	case LoadStateFailed:
		return "failed"
	case LoadStateCanceled:
		return "canceled"
	case LoadStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for the outcomes of a load
func (state LoadState) IsTerminal() bool {
	return state == LoadStateSucceeded || state == LoadStateFailed || state == LoadStateCanceled
}

// Outcome is the terminal result of a Task, fanned out to its RequestGroup
type Outcome struct {
	State    LoadState
	Resource cache.ImageResource
	Err      error
}

func newSucceededOutcome(resource cache.ImageResource) *Outcome {
	return &Outcome{
		State:    LoadStateSucceeded,
		Resource: resource,
	}
}

func newFailedOutcome(err error) *Outcome {
	return &Outcome{
		State: LoadStateFailed,
		Err:   err,
	}
}

func newCanceledOutcome(err error) *Outcome {
	return &Outcome{
		State: LoadStateCanceled,
		Err:   err,
	}
}
