package tasks

import (
	"encoding/json"
	"math"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// Common errors.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = mcperr.NotFound("task not found")

	// ErrProgressRegression indicates a progress report below the last
	// reported fraction. Nothing is published.
	ErrProgressRegression = mcperr.InvalidInput("progress fraction must not decrease")

	// ErrInvalidProgress indicates a progress or total that is NaN or
	// infinite. Nothing is published.
	ErrInvalidProgress = mcperr.InvalidInput("progress and total must be finite")

	// ErrTaskFinished indicates a report after the task reached a terminal
	// status.
	ErrTaskFinished = mcperr.InvalidInput("task already finished")

	// ErrNotAccepted indicates the peer did not acknowledge an async call.
	ErrNotAccepted = mcperr.Protocol("async call not accepted")

	// ErrStoreClosed indicates the task store has been closed.
	ErrStoreClosed = mcperr.Closed("task store closed")

	// ErrClosed indicates the executor or tracker has been closed.
	ErrClosed = mcperr.Closed("tasks closed")
)

// TaskStatus is the lifecycle state of an async task.
type TaskStatus string

const (
	// StatusPending indicates the task was accepted but has not started.
	StatusPending TaskStatus = "pending"

	// StatusRunning indicates the operation is executing.
	StatusRunning TaskStatus = "running"

	// StatusProgressed indicates at least one progress report was made.
	StatusProgressed TaskStatus = "progressed"

	// StatusCompleted indicates the operation returned a result.
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates the operation returned an error.
	StatusFailed TaskStatus = "failed"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is the record of one async operation.
type Task struct {
	// ID is unique per service.
	ID string `json:"id"`

	// Method is the JSON-RPC method being executed.
	Method string `json:"method,omitempty"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// Progress, Total and Message come from the last progress report.
	Progress float64 `json:"progress,omitempty"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`

	// Result is set when Status is StatusCompleted.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is set when Status is StatusFailed.
	Error *jsonrpc.Error `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Fraction returns the completed share of the task. Without a total the
// raw progress value is the fraction.
func (t *Task) Fraction() float64 {
	return fraction(t.Progress, t.Total)
}

// Err returns the task failure as a typed error, or nil.
func (t *Task) Err() error {
	if t.Status != StatusFailed {
		return nil
	}
	if t.Error == nil {
		return mcperr.Internal("task failed without an error")
	}
	return mcperr.FromWire(t.Error)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		if t.Error.Data != nil {
			e.Data = append(json.RawMessage(nil), t.Error.Data...)
		}
		c.Error = &e
	}
	return &c
}

// expired reports whether a terminal task has outlived retention.
func (t *Task) expired(now time.Time, retention time.Duration) bool {
	if !t.Status.IsTerminal() || t.FinishedAt.IsZero() {
		return false
	}
	return now.Sub(t.FinishedAt) >= retention
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func fraction(progress, total float64) float64 {
	if total > 0 {
		return progress / total
	}
	return progress
}
