package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Exit codes reported to whoever submitted a task.
const (
	CodeOK              = 0
	CodeExecutionFailed = 1
	CodeUnknown         = 2
	CodeTimeoutExceeded = 159
	CodePublishFailed   = 999
)

var (
	ErrNodeExists     = errors.New("node already exists")
	ErrNodeNotFound   = errors.New("node not found")
	ErrSessionExpired = errors.New("session expired")
	ErrClosed         = errors.New("store closed")
	ErrNotLeader      = errors.New("not the leader")
	ErrNoLeader       = errors.New("no leader available")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidTask    = errors.New("invalid task")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
)

type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func NewStoreError(op, path string, err error) *StoreError {
	return &StoreError{Op: op, Path: path, Err: err}
}

// PublishError means the task could not be durably created. It is never retried internally.
type PublishError struct {
	TaskName string
	Err      error
}

func (e *PublishError) Error() string {
	if e.TaskName == "" {
		return fmt.Sprintf("failed to publish distributed DDL task: %v", e.Err)
	}
	return fmt.Sprintf("failed to publish distributed DDL task %s: %v", e.TaskName, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Code() int { return CodePublishFailed }

type ExecutionError struct {
	Host   string
	Detail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on host %s: %s", e.Host, e.Detail)
}

// ExecutionFailedError aggregates the per-host execution failures of one task.
type ExecutionFailedError struct {
	TaskName string
	Failures []ExecutionError
}

func (e *ExecutionFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Host, f.Detail))
	}
	return fmt.Sprintf("distributed DDL task %s failed on %d host(s): %s",
		e.TaskName, len(e.Failures), strings.Join(parts, "; "))
}

func (e *ExecutionFailedError) Code() int { return CodeExecutionFailed }

type TimeoutError struct {
	TaskName  string
	Remaining []string
	Active    int
	Inactive  int
	Total     int
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Distributed DDL task %s is not finished on %d of %d hosts "+
		"(%d of them are currently executing the task, %d are inactive). "+
		"They are going to execute the query in background. Was waiting for %.3f seconds. Return code: %d",
		e.TaskName, len(e.Remaining), e.Total, e.Active, e.Inactive, e.Waited.Seconds(), CodeTimeoutExceeded)
}

func (e *TimeoutError) Code() int { return CodeTimeoutExceeded }

// ExitCode maps an error returned by a submission to the status code seen by the caller.
func ExitCode(err error) int {
	if err == nil {
		return CodeOK
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeUnknown
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

func IsExecutionFailed(err error) bool {
	var ee *ExecutionFailedError
	return errors.As(err, &ee)
}

func IsNodeExists(err error) bool {
	return errors.Is(err, ErrNodeExists)
}

func IsNotLeader(err error) bool {
	return errors.Is(err, ErrNotLeader)
}
