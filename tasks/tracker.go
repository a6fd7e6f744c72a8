package tasks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/subject"
	"github.com/vinayprograms/mcpnats/transport"
)

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Retention is how long a terminal task stays fetchable.
	// Default: DefaultRetention
	Retention time.Duration

	// GCInterval is the sweep period.
	// Default: DefaultGCInterval
	GCInterval time.Duration

	// ProgressBuffer is the capacity of each Progress channel. When full,
	// the oldest snapshot is dropped.
	// Default: 16
	ProgressBuffer int

	// PollTimeout bounds Poll when ctx has no deadline.
	// Default: 5s
	PollTimeout time.Duration

	Logger *logging.Logger
}

// CallOption customizes CallAsync.
type CallOption func(*callOptions)

type callOptions struct {
	progress bool
}

// WithProgress selects whether the server publishes progress updates.
// Default: true
func WithProgress(enabled bool) CallOption {
	return func(o *callOptions) {
		o.progress = enabled
	}
}

// Tracker issues async calls and follows their tasks.
type Tracker struct {
	conn   *transport.ClientConn
	bus    bus.MessageBus
	router *subject.Router
	cfg    TrackerConfig
	log    *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// entry is the local view of one task. Every field is guarded by
// Tracker.mu.
type entry struct {
	task      *Task
	sub       bus.Subscription
	progress  chan Task
	finished  chan struct{}
	chanShut  bool
	completed bool
}

// NewTracker creates a tracker issuing calls through conn.
func NewTracker(conn *transport.ClientConn, cfg TrackerConfig) (*Tracker, error) {
	if conn == nil {
		return nil, mcperr.InvalidInput("client connection required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = 16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	t := &Tracker{
		conn:    conn,
		bus:     conn.Bus(),
		router:  conn.Router(),
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger).WithComponent("tasks"),
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t, nil
}

// CallAsync sends method with a _callback member and returns the task id
// once the peer acknowledges. Updates are subscribed before the request
// is sent, so none are missed. params must encode to an object or null.
func (t *Tracker) CallAsync(ctx context.Context, method string, params interface{}, opts ...CallOption) (string, error) {
	o := callOptions{progress: true}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := encodeParams(params)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	subj, err := t.router.Task(id)
	if err != nil {
		return "", err
	}
	raw, err = withCallback(raw, Callback{Subject: subj, HandleProgress: &o.progress})
	if err != nil {
		return "", err
	}

	if err := t.register(id, method, subj); err != nil {
		return "", err
	}

	result, err := t.conn.Call(ctx, method, raw)
	if err != nil {
		t.drop(id)
		return "", err
	}
	var ack Ack
	if err := json.Unmarshal(result, &ack); err != nil || ack.Status != StatusAccepted {
		t.drop(id)
		return "", mcperr.Wrap(ErrNotAccepted, "call "+method, mcperr.WithTaskID(id))
	}
	if ack.TaskID != "" && ack.TaskID != id {
		t.log.Debug("peer assigned a different task id", map[string]interface{}{
			"task_id": id,
			"peer_id": ack.TaskID,
		})
	}
	return id, nil
}

func (t *Tracker) register(id, method, subj string) error {
	sub, err := t.bus.Subscribe(subj)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		sub.Unsubscribe()
		return ErrClosed
	}
	now := time.Now()
	e := &entry{
		task: &Task{
			ID:        id,
			Method:    method,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		sub:      sub,
		progress: make(chan Task, t.cfg.ProgressBuffer),
		finished: make(chan struct{}),
	}
	t.entries[id] = e

	t.wg.Add(1)
	go t.listen(id, e)
	return nil
}

// listen folds updates from the task subject into the entry until the
// terminal one arrives or the subscription ends.
func (t *Tracker) listen(id string, e *entry) {
	defer t.wg.Done()
	for msg := range e.sub.Messages() {
		var u Update
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			t.log.Warn("malformed task update", map[string]interface{}{
				"task_id": id,
				"error":   err.Error(),
			})
			continue
		}
		if t.apply(e, &u) {
			e.sub.Unsubscribe()
		}
	}
}

// apply records u and reports whether the task is now terminal.
func (t *Tracker) apply(e *entry, u *Update) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.completed {
		return true
	}
	if !u.apply(e.task) {
		return false
	}
	e.task.UpdatedAt = time.Now()
	if e.task.Status.IsTerminal() {
		t.finishLocked(e)
		return true
	}
	t.offerLocked(e)
	return false
}

// finishLocked delivers the terminal snapshot and releases waiters.
func (t *Tracker) finishLocked(e *entry) {
	e.completed = true
	e.task.FinishedAt = time.Now()
	t.offerLocked(e)
	t.shutChanLocked(e)
	close(e.finished)
}

// offerLocked sends a snapshot, dropping the oldest one when the buffer is
// full. Tracker.mu makes this the only sender.
func (t *Tracker) offerLocked(e *entry) {
	if e.chanShut {
		return
	}
	snap := *e.task.Clone()
	for {
		select {
		case e.progress <- snap:
			return
		default:
		}
		select {
		case <-e.progress:
		default:
		}
	}
}

func (t *Tracker) shutChanLocked(e *entry) {
	if !e.chanShut {
		e.chanShut = true
		close(e.progress)
	}
}

// drop forgets a task whose call was not accepted.
func (t *Tracker) drop(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.shutChanLocked(e)
	}
	t.mu.Unlock()
	if ok {
		e.sub.Unsubscribe()
	}
}

// Progress returns the snapshots observed for a task. Fractions never
// decrease and the channel is closed after the terminal snapshot, or
// without one when the task is acknowledged or the tracker closes.
func (t *Tracker) Progress(id string) (<-chan Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e.progress, nil
}

// Task returns the local snapshot of a task.
func (t *Tracker) Task(id string) (*Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e.task.Clone(), nil
}

// GetResult blocks until the task is terminal and returns its result or
// its error. Once terminal, every call returns the same values at once.
func (t *Tracker) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, mcperr.Wrap(ErrTaskNotFound, "get result", mcperr.WithTaskID(id))
	}

	select {
	case <-e.finished:
	default:
		select {
		case <-e.finished:
		case <-ctx.Done():
			return nil, mcperr.Wrap(ctx.Err(), "get result", mcperr.WithTaskID(id))
		case <-t.done:
			return nil, mcperr.Wrap(ErrClosed, "get result", mcperr.WithTaskID(id))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e.task.Status == StatusFailed {
		return nil, e.task.Err()
	}
	return append(json.RawMessage(nil), e.task.Result...), nil
}

// Poll fetches the record kept by the executing service and folds it into
// the local view. A terminal record ends the local task even if its
// update was lost.
func (t *Tracker) Poll(ctx context.Context, id string) (*Task, error) {
	subj, err := t.router.TaskStatus(id)
	if err != nil {
		return nil, err
	}
	timeout := t.cfg.PollTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := ctx.Err(); err != nil {
		return nil, mcperr.Wrap(err, "poll", mcperr.WithTaskID(id))
	}

	msg, err := t.bus.Request(subj, nil, timeout)
	if err != nil {
		if mcperr.Is(err, mcperr.ErrCodeTimeout) || mcperr.Is(err, mcperr.ErrCodeNotFound) {
			return nil, mcperr.Wrap(ErrTaskNotFound, "poll", mcperr.WithTaskID(id), mcperr.WithCause(err))
		}
		return nil, mcperr.Wrap(err, "poll", mcperr.WithTaskID(id))
	}

	var reply statusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, mcperr.Protocol("malformed status reply", mcperr.WithCause(err), mcperr.WithTaskID(id))
	}
	if reply.Error != nil {
		return nil, mcperr.FromWire(&jsonrpc.Error{Code: reply.Error.Code, Message: reply.Error.Message})
	}
	if reply.Task == nil {
		return nil, mcperr.Wrap(ErrTaskNotFound, "poll", mcperr.WithTaskID(id))
	}
	t.absorb(reply.Task)
	return reply.Task, nil
}

// absorb merges a polled record into a tracked task.
func (t *Tracker) absorb(remote *Task) {
	t.mu.Lock()
	e, ok := t.entries[remote.ID]
	if !ok || e.completed {
		t.mu.Unlock()
		return
	}

	changed := false
	if remote.Fraction() > e.task.Fraction() {
		e.task.Progress, e.task.Total, e.task.Message = remote.Progress, remote.Total, remote.Message
		e.task.Status = StatusProgressed
		changed = true
	}
	if remote.Status.IsTerminal() {
		e.task.Status = remote.Status
		e.task.Result = remote.Result
		e.task.Error = remote.Error
		t.finishLocked(e)
		t.mu.Unlock()
		e.sub.Unsubscribe()
		return
	}
	if changed {
		e.task.UpdatedAt = time.Now()
		t.offerLocked(e)
	}
	t.mu.Unlock()
}

// Ack releases a task here and publishes <service>.tasks.<id>.ack so the
// executor drops its record. A task that is still running is no longer
// followed. The local entry is released even when the publish fails.
func (t *Tracker) Ack(id string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return ErrTaskNotFound
	}
	delete(t.entries, id)
	t.shutChanLocked(e)
	t.mu.Unlock()
	e.sub.Unsubscribe()

	subj, err := t.router.TaskAck(id)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(subj, nil); err != nil {
		return mcperr.Wrap(err, "publish task ack", mcperr.WithTaskID(id))
	}
	return nil
}

// Cancel stops following a task and fails it locally with CANCELLED. The
// peer is not told and keeps executing.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return ErrTaskNotFound
	}
	if e.completed {
		t.mu.Unlock()
		return nil
	}
	e.task.Status = StatusFailed
	e.task.Error = mcperr.ToWire(mcperr.FromCode(mcperr.ErrCodeCancelled, mcperr.WithTaskID(id)))
	t.finishLocked(e)
	t.mu.Unlock()
	e.sub.Unsubscribe()
	return nil
}

// List returns the ids of tasks that are not yet terminal.
func (t *Tracker) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entries))
	for id, e := range t.entries {
		if !e.completed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked tasks, terminal or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			t.Sweep(now)
		case <-t.done:
			return
		}
	}
}

// Sweep removes terminal tasks older than the retention window and
// returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.task.expired(now, t.cfg.Retention) {
			delete(t.entries, id)
			n++
		}
	}
	if n > 0 {
		t.log.Debug("swept tasks", map[string]interface{}{"count": n})
	}
	return n
}

// Close stops following every task and releases waiters with CLOSED.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]bus.Subscription, 0, len(t.entries))
	for _, e := range t.entries {
		t.shutChanLocked(e)
		subs = append(subs, e.sub)
	}
	t.mu.Unlock()

	close(t.done)
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	t.wg.Wait()
	return nil
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, mcperr.WrapWithCode(err, mcperr.ErrCodeInvalidInput, "encode params")
	}
	return data, nil
}
