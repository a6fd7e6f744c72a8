package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/subject"
	"github.com/vinayprograms/mcpnats/transport"
)

// Reporter publishes progress for a running task.
type Reporter interface {
	// Report records progress out of total (0 when unknown). It returns
	// ErrProgressRegression if the fraction would decrease and
	// ErrTaskFinished after the task ended. NaN or infinite values return
	// ErrInvalidProgress.
	Report(progress, total float64, message string) error
}

// AsyncHandler executes a method that may run asynchronously. ctx is
// cancelled when the executor closes.
type AsyncHandler func(ctx context.Context, params json.RawMessage, report Reporter) (interface{}, error)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Service is the logical service name. Required.
	Service string

	// Store keeps task records. The executor closes a store it created.
	// Default: NewMemoryStore(Retention, GCInterval)
	Store Store

	// Retention and GCInterval configure the default store and the
	// refresh period of running records.
	Retention  time.Duration
	GCInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Executor runs async-capable handlers and publishes their updates.
type Executor struct {
	bus       bus.MessageBus
	router    *subject.Router
	store     Store
	ownsStore bool
	log       *logging.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*run
	subs    []bus.Subscription
	closed  bool
	wg      sync.WaitGroup
}

// run is one executing task. mu serializes record writes and publishes so
// no update follows the terminal one.
type run struct {
	mu       sync.Mutex
	task     *Task
	subject  string
	progress bool
	done     bool
}

// NewExecutor creates an executor publishing on b.
func NewExecutor(b bus.MessageBus, cfg ExecutorConfig) (*Executor, error) {
	if b == nil {
		return nil, mcperr.InvalidInput("bus required")
	}
	router, err := subject.NewRouter(cfg.Service)
	if err != nil {
		return nil, err
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultGCInterval
	}

	e := &Executor{
		bus:     b,
		router:  router,
		store:   cfg.Store,
		log:     logging.OrNop(cfg.Logger).WithComponent("tasks"),
		metrics: cfg.Metrics,
		running: make(map[string]*run),
	}
	if e.store == nil {
		e.store = NewMemoryStore(cfg.Retention, cfg.GCInterval)
		e.ownsStore = true
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.refreshLoop(cfg.Retention / 2)
	return e, nil
}

// Store returns the record store.
func (e *Executor) Store() Store {
	return e.store
}

// Wrap adapts h to a transport.Handler. Requests carrying a _callback
// member are acknowledged at once and executed in the background;
// others run inline with a reporter that discards progress.
func (e *Executor) Wrap(method string, h AsyncHandler) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, _ string, params json.RawMessage) (interface{}, error) {
		cb, rest, err := splitCallback(params)
		if err != nil {
			return nil, err
		}
		if cb == nil {
			return h(ctx, rest, nopReporter{})
		}
		// Updates only go to <service>.tasks.<id>; the id names the record.
		p, err := e.router.Parse(cb.Subject)
		if err != nil || p.Kind != subject.KindTask {
			return nil, mcperr.InvalidInput("callback subject must be a task subject of "+e.router.Service(),
				mcperr.WithSubject(cb.Subject))
		}
		return e.start(ctx, method, p.ID, cb, rest, h)
	})
}

func (e *Executor) start(ctx context.Context, method, id string, cb *Callback, params json.RawMessage, h AsyncHandler) (interface{}, error) {
	now := time.Now()
	r := &run{
		task: &Task{
			ID:        id,
			Method:    method,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subject:  cb.Subject,
		progress: cb.WantsProgress(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := e.running[r.task.ID]; dup {
		e.mu.Unlock()
		return nil, mcperr.InvalidInput("task already running", mcperr.WithTaskID(r.task.ID))
	}
	e.running[r.task.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.store.Put(ctx, r.task); err != nil {
		e.mu.Lock()
		delete(e.running, r.task.ID)
		e.mu.Unlock()
		e.wg.Done()
		return nil, err
	}

	e.metrics.TaskStarted()
	e.log.Info("task accepted", map[string]interface{}{
		"task_id": r.task.ID,
		"method":  method,
	})
	go e.execute(r, params, h)
	return acceptedAck(r.task.ID, method), nil
}

func (e *Executor) execute(r *run, params json.RawMessage, h AsyncHandler) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, r.task.ID)
		e.mu.Unlock()
	}()

	r.mu.Lock()
	r.task.Status = StatusRunning
	e.commit(r, Update{Status: UpdateRunning}, true)
	r.mu.Unlock()

	result, err := safeRun(e.ctx, h, params, &reporter{e: e, r: r})
	if e.ctx.Err() != nil {
		err = mcperr.FromCode(mcperr.ErrCodeCancelled, mcperr.WithTaskID(r.task.ID))
	}

	var u Update
	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = mcperr.Internal("encode result", mcperr.WithCause(merr))
		} else {
			u = Update{Status: UpdateCompleted, Result: data}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.task.FinishedAt = time.Now()
	if err != nil {
		wire := mcperr.ToWire(err)
		u = errorUpdate(wire)
		r.task.Status = StatusFailed
		r.task.Error = wire
		e.log.Warn("task failed", map[string]interface{}{
			"task_id": r.task.ID,
			"error":   err.Error(),
		})
	} else {
		r.task.Status = StatusCompleted
		r.task.Result = u.Result
		e.log.Info("task completed", map[string]interface{}{"task_id": r.task.ID})
	}
	e.commit(r, u, true)
	e.metrics.TaskFinished(r.task.Status.String())
}

// commit stores the record and, when publish is set, sends u to the task
// subject. Callers hold r.mu.
func (e *Executor) commit(r *run, u Update, publish bool) {
	r.task.UpdatedAt = time.Now()
	if err := e.store.Put(context.Background(), r.task); err != nil {
		e.log.Warn("task record not stored", map[string]interface{}{
			"task_id": r.task.ID,
			"error":   err.Error(),
		})
	}
	if !publish {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := e.bus.Publish(r.subject, data); err != nil {
		e.log.Warn("task update not published", map[string]interface{}{
			"task_id": r.task.ID,
			"status":  u.Status,
			"error":   err.Error(),
		})
	}
}

// refreshLoop rewrites running records so a TTL-bound store never drops
// a task that has not finished.
func (e *Executor) refreshLoop(every time.Duration) {
	defer e.wg.Done()
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.refresh()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Executor) refresh() {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		if !r.done {
			e.commit(r, Update{}, false)
		}
		r.mu.Unlock()
	}
}

// Get returns the stored record of a task.
func (e *Executor) Get(ctx context.Context, id string) (*Task, error) {
	return e.store.Get(ctx, id)
}

// Running returns the number of executing tasks.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// statusReply answers a poll on <service>.tasks.<id>.status.
type statusReply struct {
	Task  *Task          `json:"task,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// ServeStatus answers task polls from the store and releases the records
// of acknowledged tasks. Instances that do not know a task stay silent so
// another instance can answer.
func (e *Executor) ServeStatus() error {
	if err := e.serve(e.router.TaskStatuses(), e.answerStatus); err != nil {
		return err
	}
	return e.serve(e.router.TaskAcks(), e.release)
}

func (e *Executor) serve(pattern string, fn func(*bus.Message)) error {
	sub, err := e.bus.Subscribe(pattern)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	e.subs = append(e.subs, sub)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		for msg := range sub.Messages() {
			fn(msg)
		}
	}()
	return nil
}

// release deletes the record named by an ack on <service>.tasks.<id>.ack.
// Records of unfinished tasks are kept.
func (e *Executor) release(msg *bus.Message) {
	p, err := e.router.Parse(msg.Subject)
	if err != nil || p.Kind != subject.KindTaskAck {
		return
	}
	task, err := e.store.Get(e.ctx, p.ID)
	if err != nil {
		if !mcperr.Is(err, mcperr.ErrCodeNotFound) {
			e.log.Warn("acked task not read", map[string]interface{}{
				"task_id": p.ID,
				"error":   err.Error(),
			})
		}
		return
	}
	if !task.Status.IsTerminal() {
		e.log.Debug("ignoring ack of unfinished task", map[string]interface{}{
			"task_id": p.ID,
			"status":  task.Status.String(),
		})
		return
	}
	if err := e.store.Delete(e.ctx, p.ID); err != nil {
		e.log.Warn("acked task not deleted", map[string]interface{}{
			"task_id": p.ID,
			"error":   err.Error(),
		})
		return
	}
	e.log.Debug("task released", map[string]interface{}{"task_id": p.ID})
}

func (e *Executor) answerStatus(msg *bus.Message) {
	if msg.Reply == "" {
		return
	}
	p, err := e.router.Parse(msg.Subject)
	if err != nil || p.Kind != subject.KindTaskStatus {
		return
	}

	var reply statusReply
	task, err := e.store.Get(e.ctx, p.ID)
	switch {
	case err == nil:
		reply.Task = task
	case mcperr.Is(err, mcperr.ErrCodeNotFound):
		return
	default:
		reply.Error = &errorEnvelope{Code: mcperr.RPCCodeOf(err), Message: err.Error()}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := e.bus.Publish(msg.Reply, data); err != nil {
		e.log.Debug("status reply not published", map[string]interface{}{
			"task_id": p.ID,
			"error":   err.Error(),
		})
	}
}

// Close cancels running tasks, waits for their terminal updates, and
// stops status polling.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	e.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	e.wg.Wait()

	if e.ownsStore {
		return e.store.Close()
	}
	return nil
}

type reporter struct {
	e *Executor
	r *run
}

func (p *reporter) Report(progress, total float64, message string) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()

	if p.r.done {
		return ErrTaskFinished
	}
	if !finite(progress, total) {
		return ErrInvalidProgress
	}
	if fraction(progress, total) < p.r.task.Fraction() {
		return ErrProgressRegression
	}
	p.r.task.Status = StatusProgressed
	p.r.task.Progress = progress
	p.r.task.Total = total
	p.r.task.Message = message
	p.e.commit(p.r, progressUpdate(progress, total, message), p.r.progress)
	return nil
}

type nopReporter struct{}

func (nopReporter) Report(float64, float64, string) error { return nil }

func safeRun(ctx context.Context, h AsyncHandler, params json.RawMessage, rep Reporter) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = mcperr.RecoverPanic(r)
		}
	}()
	return h(ctx, params, rep)
}
