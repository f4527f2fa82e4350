package model

import (
	"fmt"
	"time"
)

// ScriptType selects which script of a step to run.
type ScriptType string

const (
	ScriptSetup      ScriptType = "setup"
	ScriptValidation ScriptType = "validation"
)

// ParseScriptType validates a script type string.
func ParseScriptType(s string) (ScriptType, error) {
	switch ScriptType(s) {
	case ScriptSetup, ScriptValidation:
		return ScriptType(s), nil
	}
	return "", fmt.Errorf("invalid script type %q: use 'setup' or 'validation'", s)
}

// Trigger records what started an execution.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// ExecStatus is the state of a recorded execution.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"

	// ExecError marks a run the sandbox never completed. It does not count
	// as a learner attempt.
	ExecError ExecStatus = "error"
)

// Execution is the persisted record of one script run.
type Execution struct {
	ID           string        `json:"id"`
	EnrollmentID string        `json:"enrollment_id"`
	StepOrder    int           `json:"step_order"`
	ScriptType   ScriptType    `json:"script_type"`
	Trigger      Trigger       `json:"trigger"`
	Status       ExecStatus    `json:"status"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exit_code"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
}

// ExecutionResult is returned to the caller of a script run.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Advanced bool          `json:"advanced"`
	TimedOut bool          `json:"timed_out,omitempty"`

	// Hints holds the progressive hints revealed so far for the step.
	Hints []string `json:"hints,omitempty"`

	CurrentStep int  `json:"current_step"`
	Completed   bool `json:"completed"`
}

// AutoSetupResult is returned by the automatic setup wrapper.
type AutoSetupResult struct {
	Skipped  bool          `json:"skipped"`
	Reason   string        `json:"reason,omitempty"`
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}
