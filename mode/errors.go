package mode

import (
	"errors"
	"fmt"
)

var (
	// ErrTransitionInProgress rejects a switch while another is running.
	// Callers may retry once CanSwitchTo reports true.
	ErrTransitionInProgress = errors.New("mode: transition in progress")
	ErrUnknownMode          = errors.New("mode: unknown mode")
	ErrModeInit             = errors.New("mode: init failed")
	ErrPersistence          = errors.New("mode: persistence failed")
	ErrHook                 = errors.New("mode: hook failed")
	ErrStopped              = errors.New("mode: transition stopped")
)

// Step names one stage of a transition.
type Step string

const (
	StepGuard         Step = "guard"
	StepFadeOut       Step = "fade_out"
	StepAudioPrepare  Step = "audio_prepare"
	StepSaveState     Step = "save_state"
	StepDeactivate    Step = "deactivate"
	StepInit          Step = "init"
	StepActivate      Step = "activate"
	StepRestoreState  Step = "restore_state"
	StepFadeIn        Step = "fade_in"
	StepAudioComplete Step = "audio_complete"
	StepRollback      Step = "rollback"
	StepRelease       Step = "release"
)

// TransitionError records which step of a transition failed and for which mode.
type TransitionError struct {
	Step Step
	Mode ID
	Kind error // one of the sentinel errors above
	Err  error
}

func (e *TransitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s %s", e.Kind, e.Step, e.Mode)
	}
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Step, e.Mode, e.Err)
}

func (e *TransitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stepError(step Step, id ID, kind, err error) *TransitionError {
	return &TransitionError{Step: step, Mode: id, Kind: kind, Err: err}
}

// IsRetryable reports whether a failed switch may succeed if re-issued later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransitionInProgress)
}
