package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	Init               State = "Init"
	CsrReady           State = "CsrReady"
	ChallengeRequested State = "ChallengeRequested"
	RecordPublished    State = "RecordPublished"
	Propagated         State = "Propagated"
	Validated          State = "Validated"
	Issued             State = "Issued"
	CleanedUp          State = "CleanedUp"
	Failed             State = "Failed"
)

// allowed forward transitions. Failed is reachable from every non-terminal state.
var nextStates = map[State][]State{
	Init:               {CsrReady},
	CsrReady:           {ChallengeRequested},
	ChallengeRequested: {RecordPublished, Validated}, // no record to publish when authz already valid
	RecordPublished:    {Propagated},
	Propagated:         {Validated},
	Validated:          {Issued},
	Issued:             {CleanedUp},
}

func (s State) Terminal() bool {
	return s == CleanedUp || s == Failed
}

func (s State) canMoveTo(to State) bool {
	if s.Terminal() {
		return false
	}

	if to == Failed {
		return true
	}

	for _, allowed := range nextStates[s] {
		if allowed == to {
			return true
		}
	}

	return false
}

type Transition struct {
	At   time.Time
	From State
	To   State
}

var (
	ErrPairingMismatch    = errors.New("challenge belongs to another domain")
	ErrPropagationTimeout = errors.New("DNS propagation timeout")
	ErrPersist            = errors.New("persisting artifacts")
	errIllegalTransition  = errors.New("illegal state transition")
)

type PropagationTimeoutError struct {
	Name    string
	Value   string
	Timeout time.Duration
}

func (e *PropagationTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s did not resolve to %q within %s", ErrPropagationTimeout.Error(), e.Name, e.Value, e.Timeout)
}

func (e *PropagationTimeoutError) Is(target error) bool {
	return target == ErrPropagationTimeout
}

type PersistError struct {
	Artifact string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersist.Error(), e.Artifact, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func (e *PersistError) Is(target error) bool {
	return target == ErrPersist
}
