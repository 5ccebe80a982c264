package model

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a production or of one of its phases
// (processing, staging).
type State string

const (
	StateWaiting    State = "WAITING"
	StateInProgress State = "IN_PROGRESS"
	StateCancelled  State = "CANCELLED"
	StateError      State = "ERROR"
	StateUnknown    State = "UNKNOWN"
	StateCompleted  State = "COMPLETED"
)

var ErrInvalidState = errors.New("invalid state")

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateCancelled: true,
	StateError:     true,
	StateUnknown:   true,
}

var knownStates = map[State]bool{
	StateWaiting:    true,
	StateInProgress: true,
	StateCancelled:  true,
	StateError:      true,
	StateUnknown:    true,
	StateCompleted:  true,
}

// IsDone reports whether no further progress will be reported for s.
func (s State) IsDone() bool {
	return terminalStates[s]
}

func (s State) Valid() bool {
	return knownStates[s]
}

// ParseState accepts state names in any case; "in-progress" and
// "in progress" are accepted as aliases of IN_PROGRESS.
func ParseState(v string) (State, error) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	s := State(norm)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, v)
	}
	return s, nil
}

// WorkStatus is a point-in-time sample of a long running operation.
// Progress is only meaningful in IN_PROGRESS; Message is set for ERROR
// and UNKNOWN.
type WorkStatus struct {
	State    State   `json:"state" yaml:"state"`
	Progress float64 `json:"progress" yaml:"progress"`
	Message  string  `json:"message,omitempty" yaml:"message,omitempty"`
}

func NewWorkStatus(state State, progress float64, message string) WorkStatus {
	return WorkStatus{State: state, Progress: clampProgress(progress), Message: message}
}

func Waiting() WorkStatus { return WorkStatus{State: StateWaiting} }

func InProgress(progress float64) WorkStatus {
	return WorkStatus{State: StateInProgress, Progress: clampProgress(progress)}
}

func Completed() WorkStatus { return WorkStatus{State: StateCompleted, Progress: 1} }

func Cancelled() WorkStatus { return WorkStatus{State: StateCancelled} }

func Failed(message string) WorkStatus {
	return WorkStatus{State: StateError, Message: message}
}

// Unknown is the sample substituted for a status that could not be fetched.
func Unknown(message string) WorkStatus {
	return WorkStatus{State: StateUnknown, Message: message}
}

func (w WorkStatus) IsDone() bool {
	return w.State.IsDone()
}

// Equal compares by value.
func (w WorkStatus) Equal(o WorkStatus) bool {
	return w.State == o.State && w.Progress == o.Progress && w.Message == o.Message
}

func (w WorkStatus) Validate() error {
	if !w.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, w.State)
	}
	if w.Progress < 0 || w.Progress > 1 {
		return fmt.Errorf("progress %v out of range [0,1]", w.Progress)
	}
	return nil
}

func (w WorkStatus) String() string {
	switch w.State {
	case StateInProgress:
		return fmt.Sprintf("%s (%.0f%%)", w.State, w.Progress*100)
	case StateError, StateUnknown:
		if w.Message != "" {
			return fmt.Sprintf("%s: %s", w.State, w.Message)
		}
	}
	return string(w.State)
}

func clampProgress(p float64) float64 {
	if p != p || p < 0 { // NaN or negative
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
