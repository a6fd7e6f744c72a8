package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// CallbackParam is the params member that marks a request as async.
const CallbackParam = "_callback"

// StatusAccepted is the ack status of an async request.
const StatusAccepted = "accepted"

// Update statuses published on the task subject.
const (
	UpdateRunning   = "running"
	UpdateProgress  = "progress"
	UpdateCompleted = "completed"
	UpdateError     = "error"
)

// Callback is the value of the _callback params member.
type Callback struct {
	// Subject receives the task updates.
	Subject string `json:"subject"`

	// HandleProgress enables progress updates. Absent means true.
	HandleProgress *bool `json:"handle_progress,omitempty"`
}

// WantsProgress reports whether progress updates should be published.
func (c *Callback) WantsProgress() bool {
	return c.HandleProgress == nil || *c.HandleProgress
}

// Ack is the immediate reply to an async request.
type Ack struct {
	Status  string `json:"status"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Update is one message on a task subject.
type Update struct {
	Status   string          `json:"status"`
	Progress *float64        `json:"progress,omitempty"`
	Total    *float64        `json:"total,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// Error is a {code,message,data} object. A bare string is accepted
	// on decode and treated as an internal error message.
	Error json.RawMessage `json:"error,omitempty"`
}

// IsTerminal reports whether the update ends the task.
func (u *Update) IsTerminal() bool {
	return u.Status == UpdateCompleted || u.Status == UpdateError
}

// WireError decodes the error member.
func (u *Update) WireError() *jsonrpc.Error {
	if len(u.Error) == 0 {
		return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: "task failed"}
	}
	var w jsonrpc.Error
	if err := json.Unmarshal(u.Error, &w); err == nil && (w.Code != 0 || w.Message != "") {
		return &w
	}
	var s string
	if err := json.Unmarshal(u.Error, &s); err == nil {
		return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: s}
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: string(u.Error)}
}

// apply folds the update into task. It returns false for an update that
// does not change the task state.
func (u *Update) apply(task *Task) bool {
	switch u.Status {
	case UpdateRunning:
		if task.Status != StatusPending {
			return false
		}
		task.Status = StatusRunning
	case UpdateProgress:
		if u.Progress == nil {
			return false
		}
		var total float64
		if u.Total != nil {
			total = *u.Total
		}
		if !finite(*u.Progress, total) || fraction(*u.Progress, total) < task.Fraction() {
			return false
		}
		task.Status = StatusProgressed
		task.Progress = *u.Progress
		task.Total = total
		task.Message = u.Message
	case UpdateCompleted:
		task.Status = StatusCompleted
		task.Result = u.Result
	case UpdateError:
		task.Status = StatusFailed
		task.Error = u.WireError()
	default:
		return false
	}
	return true
}

func progressUpdate(progress, total float64, message string) Update {
	u := Update{Status: UpdateProgress, Progress: &progress, Message: message}
	if total > 0 {
		u.Total = &total
	}
	return u
}

func errorUpdate(wire *jsonrpc.Error) Update {
	data, _ := json.Marshal(wire)
	return Update{Status: UpdateError, Error: data}
}

// acceptedAck builds the ack for method.
func acceptedAck(taskID, method string) Ack {
	return Ack{
		Status:  StatusAccepted,
		TaskID:  taskID,
		Message: fmt.Sprintf("Processing %s asynchronously", method),
	}
}

// splitCallback removes the _callback member from params. It returns a
// nil Callback when params carry none, and params unchanged.
func splitCallback(params json.RawMessage) (*Callback, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, params, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, nil, mcperr.InvalidInput("params are not an object", mcperr.WithCause(err))
	}
	raw, ok := fields[CallbackParam]
	if !ok {
		return nil, params, nil
	}
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, nil, mcperr.InvalidInput("malformed _callback", mcperr.WithCause(err))
	}
	if cb.Subject == "" {
		return nil, nil, mcperr.InvalidInput("_callback requires a subject")
	}
	delete(fields, CallbackParam)
	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, mcperr.Internal("re-encode params", mcperr.WithCause(err))
	}
	return &cb, rest, nil
}

// withCallback adds a _callback member to params, which must be an
// object or empty.
func withCallback(params json.RawMessage, cb Callback) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, mcperr.InvalidInput("async params must be an object")
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, mcperr.InvalidInput("async params must be an object", mcperr.WithCause(err))
		}
	}
	raw, err := json.Marshal(cb)
	if err != nil {
		return nil, mcperr.Internal("encode _callback", mcperr.WithCause(err))
	}
	fields[CallbackParam] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, mcperr.Internal("encode params", mcperr.WithCause(err))
	}
	return out, nil
}
