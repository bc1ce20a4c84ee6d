package engine

import (
	"errors"
	"fmt"
	"strings"

	"folioline/internal/domain"
	"folioline/internal/gate"
)

// ErrInterventionRequired means automatic retries are exhausted; a human must
// reset attempts, rework or cancel.
var ErrInterventionRequired = errors.New("human intervention required")

// ErrNoCollaborator is returned when an action has no configured collaborator.
var ErrNoCollaborator = errors.New("no collaborator configured")

// ErrVerdictRecorded refuses a gate run when the field already holds a
// verdict. Only rework clears one.
var ErrVerdictRecorded = errors.New("gate verdict already recorded")

// TransitionError is a refused transition. Unmet lists every failed guard
// requirement verbatim.
type TransitionError struct {
	ID     string
	From   domain.State
	To     domain.State
	Reason string
	Unmet  []string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("transition %s -> %s refused for %s: %s", e.From, e.To, e.ID, e.Reason)
	if len(e.Unmet) > 0 {
		msg += ": " + strings.Join(e.Unmet, "; ")
	}
	return msg
}

// StateError rejects an operation that the current state does not allow.
type StateError struct {
	ID    string
	Op    string
	State domain.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed for %s in state %s", e.Op, e.ID, e.State)
}

// GateError reports a failed gate verdict. It is not retried automatically.
type GateError struct {
	ID      string
	Gate    string
	Verdict gate.Verdict
}

func (e *GateError) Error() string {
	return fmt.Sprintf("gate %s failed for %s: %s", e.Gate, e.ID, strings.Join(e.Verdict.Diagnostics, "; "))
}

// CollaboratorError wraps a failed collaborator invocation with its attempt count.
type CollaboratorError struct {
	ID      string
	Action  string
	Attempt int
	Max     int
	Err     error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed for %s (attempt %d of %d): %v", e.Action, e.ID, e.Attempt, e.Max, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// JobError reports a parked job that failed or missed its deadline.
type JobError struct {
	ID     string
	Stage  string
	Detail string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job failed for %s: %s", e.Stage, e.ID, e.Detail)
}

// RestartLimitError refuses a resume once a stage was restarted too often.
type RestartLimitError struct {
	ID       string
	Stage    string
	Restarts int
}

func (e *RestartLimitError) Error() string {
	return fmt.Sprintf("%s job for %s already restarted %d times; rework or cancel instead", e.Stage, e.ID, e.Restarts)
}

func (e *RestartLimitError) Unwrap() error { return ErrInterventionRequired }
