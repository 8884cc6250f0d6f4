package worker

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle stage of the worker's single job slot.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("invalid job state")

// ErrSessionNotReady is returned when generate is requested before a model is loaded.
var ErrSessionNotReady = errors.New("model session not loaded")

// Job is a snapshot of the job slot.
type Job struct {
	ID           string
	State        State
	Language     string
	Transcript   string
	CurrentChunk int
	TotalChunks  int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Active reports whether the job occupies the worker.
func (j Job) Active() bool {
	return j.State == StateLoading || j.State == StateRunning
}

// transition moves the job forward, rejecting edges the state machine does not allow.
func (j *Job) transition(to State) error {
	if !isValidTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, j.State, to)
	}
	j.State = to
	return nil
}

// isValidTransition enforces the allowed job state machine edges. Loading
// returns to Idle once the session is ready; terminal states leave only via reset
// or, for Completed, a new generate.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateLoading || to == StateRunning
	case StateLoading:
		return to == StateIdle || to == StateFailed
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	case StateCompleted:
		return to == StateIdle || to == StateRunning
	case StateFailed:
		return to == StateIdle
	default:
		return false
	}
}
