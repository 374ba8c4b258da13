package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the terminal status of a notebook execution job.
type JobStatus string

const (
	// JobStatusComplete means the execution finished at the protocol level.
	// The notebook itself may still have raised inside a cell; in that case
	// Result.IpynbError is populated and the status remains complete.
	JobStatusComplete JobStatus = "complete"

	// JobStatusError means the execution could not be completed.
	JobStatusError JobStatus = "error"
)

// ErrorCode classifies why an execution could not be completed.
type ErrorCode string

const (
	ErrorCodeTimeout      ErrorCode = "timeout"
	ErrorCodeJupyterError ErrorCode = "jupyter_error"
	ErrorCodeUnknown      ErrorCode = "unknown"
)

// Job is a notebook execution request pulled from the queue.
type Job struct {
	ID          string          `json:"job_id"`
	Notebook    json.RawMessage `json:"ipynb"`
	KernelName  string          `json:"kernel_name,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	EnableRetry bool            `json:"enable_retry,omitempty"`
	EnqueueTime time.Time       `json:"enqueue_time,omitempty"`

	// Attempt is the 1-based delivery attempt, set by the queue consumer.
	Attempt int `json:"-"`
}

// NotebookError describes an exception raised by user code inside a
// notebook cell. It accompanies a complete result, never an error result.
type NotebookError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ExecutionError describes why an execution could not be completed.
type ExecutionError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// ExceptionType holds the Go type name of the causing error when the
	// code is unknown, for operator diagnosis.
	ExceptionType string `json:"exception_type,omitempty"`
}

// Result is the outcome of one job attempt, reported exactly once to the
// queue's result channel. IpynbError and Error are mutually exclusive:
// IpynbError reports a failure of the user's code, Error a failure of the
// execution itself.
type Result struct {
	JobID      string          `json:"job_id"`
	Status     JobStatus       `json:"status"`
	Ipynb      json.RawMessage `json:"ipynb,omitempty"`
	IpynbError *NotebookError  `json:"ipynb_error,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`
	StartTime  time.Time       `json:"start_time"`
	FinishTime time.Time       `json:"finish_time"`
}

// Succeeded reports whether the execution completed at the protocol level.
func (r *Result) Succeeded() bool {
	return r.Status == JobStatusComplete
}
