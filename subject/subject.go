// Package subject derives wire-level NATS subjects from a logical service
// name and a JSON-RPC method, and parses them back.
//
// Naming scheme:
//
//	<service>.<method>                 requests and client notifications
//	<service>.notifications.<type>     server notifications
//	<service>.response.<clientId>      durable per-client replies
//	<service>.tasks.<taskId>           async task updates
//	<service>.tasks.<taskId>.status    async task polling
//	<service>.tasks.<taskId>.ack       async task release by the requester
//	<service>.cancel.<clientId>        cancellations, seen by every instance
//	<service>.ratelimit.capacity       capacity reductions shared by instances
//
// A method is always a single subject token, so request subjects never
// collide with the multi-token notification, response and task subjects.
package subject

import (
	"strings"

	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// ErrInvalidSubject is returned for malformed subjects, services, or tokens.
var ErrInvalidSubject = mcperr.InvalidInput("invalid subject")

// Reserved second-level tokens.
const (
	tokenNotifications = "notifications"
	tokenResponse      = "response"
	tokenTasks         = "tasks"
	tokenStatus        = "status"
	tokenAck           = "ack"
	tokenCancel        = "cancel"
	tokenRateLimit     = "ratelimit"
	tokenCapacity      = "capacity"

	// NotificationPrefix is the JSON-RPC method prefix of notifications.
	NotificationPrefix = "notifications/"
)

// Kind classifies a parsed subject.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindTask
	KindTaskStatus
	KindCapacity
	KindTaskAck
	KindCancel
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindTask:
		return "task"
	case KindTaskStatus:
		return "task_status"
	case KindCapacity:
		return "capacity"
	case KindTaskAck:
		return "task_ack"
	case KindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Parsed is the decomposition of a subject.
type Parsed struct {
	Kind    Kind
	Service string

	// Method is the JSON-RPC method for requests and notifications.
	// Notification methods carry the "notifications/" prefix.
	Method string

	// ID is the client id for responses and cancellations, and the task
	// id for task subjects.
	ID string
}

// Router builds and parses subjects for one logical service.
type Router struct {
	service string
}

// NewRouter creates a router for service. The service name may contain
// dots ("mcp.service") but no wildcards, whitespace, or empty tokens.
func NewRouter(service string) (*Router, error) {
	if err := Validate(service); err != nil {
		return nil, err
	}
	return &Router{service: service}, nil
}

// Service returns the service name.
func (r *Router) Service() string {
	return r.service
}

// Route returns the request subject for method.
func (r *Router) Route(method string) (string, error) {
	if !ValidToken(method) {
		return "", mcperr.Wrapf(ErrInvalidSubject, "method %q is not a single subject token", method)
	}
	return r.service + "." + method, nil
}

// Notification returns the subject of a server notification. The
// "notifications/" prefix of the method is dropped.
func (r *Router) Notification(method string) (string, error) {
	typ := strings.TrimPrefix(method, NotificationPrefix)
	if !ValidToken(typ) {
		return "", mcperr.Wrapf(ErrInvalidSubject, "notification %q is not a single subject token", method)
	}
	return r.service + "." + tokenNotifications + "." + typ, nil
}

// Response returns the durable reply subject of clientID.
func (r *Router) Response(clientID string) (string, error) {
	if !ValidToken(clientID) {
		return "", mcperr.Wrapf(ErrInvalidSubject, "client id %q is not a single subject token", clientID)
	}
	return r.service + "." + tokenResponse + "." + clientID, nil
}

// Task returns the update subject of an async task.
func (r *Router) Task(taskID string) (string, error) {
	if !ValidToken(taskID) {
		return "", mcperr.Wrapf(ErrInvalidSubject, "task id %q is not a single subject token", taskID)
	}
	return r.service + "." + tokenTasks + "." + taskID, nil
}

// TaskStatus returns the polling subject of an async task.
func (r *Router) TaskStatus(taskID string) (string, error) {
	t, err := r.Task(taskID)
	if err != nil {
		return "", err
	}
	return t + "." + tokenStatus, nil
}

// TaskAck returns the subject on which the requester releases the record
// of a finished task.
func (r *Router) TaskAck(taskID string) (string, error) {
	t, err := r.Task(taskID)
	if err != nil {
		return "", err
	}
	return t + "." + tokenAck, nil
}

// Cancel returns the subject on which clientID publishes cancellations.
// Instances do not share it through the queue group: only the instance
// handling the call acts on one.
func (r *Router) Cancel(clientID string) (string, error) {
	if !ValidToken(clientID) {
		return "", mcperr.Wrapf(ErrInvalidSubject, "client id %q is not a single subject token", clientID)
	}
	return r.service + "." + tokenCancel + "." + clientID, nil
}

// Capacity returns the subject on which instances share capacity
// reductions.
func (r *Router) Capacity() string {
	return r.service + "." + tokenRateLimit + "." + tokenCapacity
}

// Requests returns the wildcard matching every request subject.
func (r *Router) Requests() string {
	return r.service + ".*"
}

// Notifications returns the wildcard matching every server notification.
func (r *Router) Notifications() string {
	return r.service + "." + tokenNotifications + ".*"
}

// TaskStatuses returns the wildcard matching every task polling subject.
func (r *Router) TaskStatuses() string {
	return r.service + "." + tokenTasks + ".*." + tokenStatus
}

// TaskAcks returns the wildcard matching every task ack subject.
func (r *Router) TaskAcks() string {
	return r.service + "." + tokenTasks + ".*." + tokenAck
}

// Cancels returns the wildcard matching every cancellation subject.
func (r *Router) Cancels() string {
	return r.service + "." + tokenCancel + ".*"
}

// Parse decomposes a subject built by this router.
func (r *Router) Parse(subj string) (Parsed, error) {
	prefix := r.service + "."
	if !strings.HasPrefix(subj, prefix) {
		return Parsed{}, mcperr.Wrapf(ErrInvalidSubject, "subject %q is outside service %q", subj, r.service)
	}
	rest := strings.Split(subj[len(prefix):], ".")
	for _, tok := range rest {
		if !ValidToken(tok) {
			return Parsed{}, mcperr.Wrapf(ErrInvalidSubject, "subject %q has an invalid token", subj)
		}
	}

	p := Parsed{Service: r.service}
	switch {
	case len(rest) == 1:
		p.Kind = KindRequest
		p.Method = rest[0]
	case len(rest) == 2 && rest[0] == tokenNotifications:
		p.Kind = KindNotification
		p.Method = NotificationPrefix + rest[1]
	case len(rest) == 2 && rest[0] == tokenResponse:
		p.Kind = KindResponse
		p.ID = rest[1]
	case len(rest) == 2 && rest[0] == tokenTasks:
		p.Kind = KindTask
		p.ID = rest[1]
	case len(rest) == 3 && rest[0] == tokenTasks && rest[2] == tokenStatus:
		p.Kind = KindTaskStatus
		p.ID = rest[1]
	case len(rest) == 3 && rest[0] == tokenTasks && rest[2] == tokenAck:
		p.Kind = KindTaskAck
		p.ID = rest[1]
	case len(rest) == 2 && rest[0] == tokenCancel:
		p.Kind = KindCancel
		p.ID = rest[1]
	case len(rest) == 2 && rest[0] == tokenRateLimit && rest[1] == tokenCapacity:
		p.Kind = KindCapacity
	default:
		return Parsed{}, mcperr.Wrapf(ErrInvalidSubject, "subject %q does not follow the naming scheme", subj)
	}
	return p, nil
}

// Split parses a request subject without knowing the service: the last
// token is the method and everything before it is the service.
func Split(subj string) (service, method string, err error) {
	if err := Validate(subj); err != nil {
		return "", "", err
	}
	i := strings.LastIndexByte(subj, '.')
	if i <= 0 {
		return "", "", mcperr.Wrapf(ErrInvalidSubject, "subject %q has no service", subj)
	}
	return subj[:i], subj[i+1:], nil
}

// ValidToken reports whether s can be used as a single subject token.
func ValidToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch c {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return false
		}
	}
	return true
}

// Validate checks a literal subject: one or more valid tokens, no wildcards.
func Validate(subj string) error {
	if subj == "" {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subj, ".") {
		if !ValidToken(tok) {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePattern checks a subscription subject, which may use "*" for
// one token and ">" for the remaining tokens.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidSubject
	}
	toks := strings.Split(pattern, ".")
	for i, tok := range toks {
		switch {
		case tok == "*":
		case tok == ">":
			if i != len(toks)-1 {
				return ErrInvalidSubject
			}
		case !ValidToken(tok):
			return ErrInvalidSubject
		}
	}
	return nil
}

// Match reports whether the literal subject matches pattern.
func Match(pattern, subj string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subj, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
