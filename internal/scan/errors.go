package scan

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyActive     = errors.New("scan already active for target")
	ErrNotFound          = errors.New("scan session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrInvalidTarget     = errors.New("invalid scan target")
	ErrInvalidOptions    = errors.New("invalid scan options")
	ErrLaunch            = errors.New("scan launch failed")
	ErrRunnerFailure     = errors.New("scan runner failed")
	ErrAtCapacity        = errors.New("too many concurrent scans")
)

// LaunchError reports that the external engine could not start a scan.
type LaunchError struct {
	Target Target
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching scan for %s: %v", e.Target, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLaunch) hold for every LaunchError.
func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// RunnerError reports that a scan failed after it was launched.
type RunnerError struct {
	Reason string
	Err    error
}

func (e *RunnerError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *RunnerError) Unwrap() error { return e.Err }

func (e *RunnerError) Is(target error) bool { return target == ErrRunnerFailure }

// TransitionError carries the state observed when a transition precondition
// did not hold.
type TransitionError struct {
	Target Target
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s not allowed", e.Target, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
