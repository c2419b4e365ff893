package models

import "time"

// SandboxMode is the isolation level applied to command execution
type SandboxMode string

const (
	SandboxNone     SandboxMode = "none"
	SandboxBasic    SandboxMode = "basic"
	SandboxStrict   SandboxMode = "strict"
	SandboxParanoid SandboxMode = "paranoid"
)

// Valid reports whether m is a known isolation level
func (m SandboxMode) Valid() bool {
	switch m {
	case SandboxNone, SandboxBasic, SandboxStrict, SandboxParanoid:
		return true
	}
	return false
}

// Blocking reports whether validation violations abort execution in this mode
func (m SandboxMode) Blocking() bool {
	return m == SandboxStrict || m == SandboxParanoid
}

// ExecutionResult is the outcome of a sandboxed command
type ExecutionResult struct {
	Success    bool          `json:"success"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Violations []string      `json:"violations,omitempty"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
}
