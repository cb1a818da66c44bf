package orchestrator

import "fmt"

// StepError reports a protocol step failure: which step failed, its name,
// and the underlying cause. errors.Is and errors.As reach the cause, so a
// driver refusal inside step 3 still matches workcell sentinels.
type StepError struct {
	// Step is the 1-based position of the failed step, matching the
	// current_step accounting in run records.
	Step int

	// Name is the step's name in the protocol definition.
	Name string

	// Cause is the error the step returned.
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("orchestrator: step %d (%s) failed: %v", e.Step, e.Name, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Cause
}
