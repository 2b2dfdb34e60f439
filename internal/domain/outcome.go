package domain

import (
	"fmt"
	"strings"
	"time"
)

type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

type HostOutcome struct {
	Host       string        `json:"host"`
	Status     OutcomeStatus `json:"status"`
	Error      string        `json:"error,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

func (o HostOutcome) IsTerminal() bool {
	return o.Status == OutcomeSucceeded || o.Status == OutcomeFailed
}

func PendingOutcome(host string) HostOutcome {
	return HostOutcome{Host: host, Status: OutcomePending}
}

type OutputMode string

const (
	OutputModeDefault         OutputMode = "default"
	OutputModeThrowOnlyActive OutputMode = "throw_only_active"
	OutputModeNone            OutputMode = "none"
	OutputModeNoneOnlyActive  OutputMode = "none_only_active"
)

// ParseOutputMode accepts the canonical names plus "throw" and "" for the default mode.
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", "throw", OutputModeDefault:
		return OutputModeDefault, nil
	case OutputModeThrowOnlyActive:
		return OutputModeThrowOnlyActive, nil
	case OutputModeNone, "never_throw":
		return OutputModeNone, nil
	case OutputModeNoneOnlyActive:
		return OutputModeNoneOnlyActive, nil
	default:
		return "", fmt.Errorf("%w: unknown output mode %q", ErrInvalidTask, s)
	}
}

// Raises reports whether timeouts and execution failures surface as errors.
func (m OutputMode) Raises() bool {
	return m == OutputModeDefault || m == OutputModeThrowOnlyActive || m == ""
}

// ExcludesInactive reports whether hosts without a liveness registration are dropped from the wait.
func (m OutputMode) ExcludesInactive() bool {
	return m == OutputModeThrowOnlyActive || m == OutputModeNoneOnlyActive
}

func (m OutputMode) String() string {
	if m == "" {
		return string(OutputModeDefault)
	}
	return string(m)
}
