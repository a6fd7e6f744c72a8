package correlator

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/subject"
)

// Envelope headers set on every correlated request.
const (
	HeaderCorrelationID = "Mcp-Correlation-Id"
	HeaderClientID      = "Mcp-Client-Id"
)

// statusHeader and noResponders identify the status message NATS sends to
// a reply inbox when a request subject has no subscribers.
const (
	statusHeader = "Status"
	noResponders = "503"
)

// ReplyMode selects where replies are delivered.
type ReplyMode string

const (
	// ReplyInbox multiplexes replies over one ephemeral inbox:
	// <inbox>.<correlationId>.
	ReplyInbox ReplyMode = "inbox"

	// ReplyDurable uses the client-scoped <service>.response.<clientId>
	// subject and matches replies by header only.
	ReplyDurable ReplyMode = "durable"
)

// Common errors.
var (
	ErrClosed = mcperr.Closed("correlator closed")
)

// Config configures a Correlator.
type Config struct {
	// Timeout applies when Begin is called without one.
	// Default: 30s
	Timeout time.Duration

	// ReplyMode selects inbox or durable replies.
	// Default: ReplyInbox
	ReplyMode ReplyMode

	// Service is required in durable mode to build the reply subject.
	Service string

	// ClientID identifies this client in headers and durable subjects.
	// Default: a random uuid
	ClientID string

	// DisconnectGrace is how long outstanding requests survive a
	// disconnect before failing with CONNECTION_ERROR. A request whose
	// deadline comes first fails with CONNECTION_ERROR at its deadline.
	// Default: GraceFor the default NATS backoff and connect timeout
	DisconnectGrace time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	nats := bus.DefaultNATSConfig()
	return Config{
		Timeout:         30 * time.Second,
		ReplyMode:       ReplyInbox,
		DisconnectGrace: GraceFor(nats.Backoff, nats.ConnectTimeout),
	}
}

// GraceFor returns one reconnect cycle: the wait before the first
// reconnect attempt plus the time that attempt may take to connect.
func GraceFor(b bus.Backoff, connectTimeout time.Duration) time.Duration {
	return b.Delay(1) + connectTimeout
}

// Option configures optional collaborators.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Correlator) { c.log = logging.OrNop(l).WithComponent("correlator") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// Correlator matches asynchronous replies to the requests that caused them.
//
// All pending-table mutation happens under one mutex. Replies arrive on a
// single subscription drained by one dispatch goroutine.
type Correlator struct {
	bus     bus.MessageBus
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics

	replySubject string // inbox prefix or durable subject
	sub          bus.Subscription
	removeStatus func()

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*entry
	closed  bool
	grace   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

type entry struct {
	id       uint64
	subject  string
	started  time.Time
	deadline time.Time
	timer    *time.Timer
	result   chan result

	// disconnected marks entries outstanding when the connection dropped.
	disconnected bool
}

type result struct {
	msg *bus.Message
	err error
}

// New creates a Correlator and subscribes to its reply subject.
func New(b bus.MessageBus, cfg Config, opts ...Option) (*Correlator, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReplyMode == "" {
		cfg.ReplyMode = def.ReplyMode
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = def.DisconnectGrace
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	c := &Correlator{
		bus:     b,
		cfg:     cfg,
		log:     logging.Nop(),
		pending: make(map[uint64]*entry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var pattern string
	switch cfg.ReplyMode {
	case ReplyInbox:
		c.replySubject = b.NewInbox()
		pattern = c.replySubject + ".*"
	case ReplyDurable:
		router, err := subject.NewRouter(cfg.Service)
		if err != nil {
			return nil, mcperr.Wrap(err, "durable replies need a valid service")
		}
		if c.replySubject, err = router.Response(cfg.ClientID); err != nil {
			return nil, err
		}
		pattern = c.replySubject
	default:
		return nil, mcperr.InvalidInput("unknown reply mode", mcperr.WithMetadata("reply_mode", string(cfg.ReplyMode)))
	}

	sub, err := b.Subscribe(pattern)
	if err != nil {
		return nil, mcperr.Wrap(err, "subscribe to replies", mcperr.WithSubject(pattern))
	}
	c.sub = sub
	c.removeStatus = b.OnStatusChange(c.onStatus)

	go c.dispatchLoop()

	c.log.Debug("listening for replies", map[string]interface{}{
		"subject": pattern,
		"mode":    string(cfg.ReplyMode),
	})
	return c, nil
}

// ClientID returns the identity sent with every request.
func (c *Correlator) ClientID() string {
	return c.cfg.ClientID
}

// Timeout returns the default request timeout.
func (c *Correlator) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Call is one outstanding request.
type Call struct {
	c *Correlator
	e *entry
}

// ID returns the correlation id.
func (call *Call) ID() uint64 {
	return call.e.id
}

// Deadline returns the absolute time at which the call times out.
func (call *Call) Deadline() time.Time {
	return call.e.deadline
}

// Begin records a pending request and publishes data to subj with the
// reply destination embedded. A zero timeout uses the configured default.
// If the publish fails the entry is removed and the error returned.
func (c *Correlator) Begin(ctx context.Context, subj string, data []byte, timeout time.Duration) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, mcperr.WrapWithCode(err, mcperr.ErrCodeCancelled, "request not sent", mcperr.WithSubject(subj))
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	now := time.Now()
	e := &entry{
		subject:  subj,
		started:  now,
		deadline: now.Add(timeout),
		result:   make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	e.id = c.nextID
	c.pending[e.id] = e
	id := e.id
	e.timer = time.AfterFunc(timeout, func() { c.expire(id, subj, timeout) })
	c.mu.Unlock()
	c.metrics.RequestStarted()

	idStr := strconv.FormatUint(id, 10)
	msg := &bus.Message{
		Subject: subj,
		Reply:   c.replySubject,
		Header:  bus.Header{},
		Data:    data,
	}
	if c.cfg.ReplyMode == ReplyInbox {
		msg.Reply = c.replySubject + "." + idStr
	}
	msg.Header.Set(HeaderCorrelationID, idStr)
	msg.Header.Set(HeaderClientID, c.cfg.ClientID)

	if err := c.bus.PublishMsg(msg); err != nil {
		c.resolve(id, result{err: err}, outcomeOf(err))
		return nil, err
	}
	return &Call{c: c, e: e}, nil
}

// Wait blocks until the call is resolved or ctx is done. Cancellation
// removes the pending entry but does not retract the published request.
func (call *Call) Wait(ctx context.Context) (*bus.Message, error) {
	select {
	case r := <-call.e.result:
		return r.msg, r.err
	case <-ctx.Done():
	}

	err := mcperr.WrapWithCode(ctx.Err(), mcperr.ErrCodeCancelled, "request cancelled", mcperr.WithSubject(call.e.subject))
	if call.c.resolve(call.e.id, result{err: err}, metrics.OutcomeCancelled) {
		<-call.e.result
		return nil, err
	}
	// Resolved concurrently; that resolution wins.
	r := <-call.e.result
	return r.msg, r.err
}

// Send publishes a request and waits for its reply.
func (c *Correlator) Send(ctx context.Context, subj string, data []byte, timeout time.Duration) (*bus.Message, error) {
	call, err := c.Begin(ctx, subj, data, timeout)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Dispatch resolves the pending request a reply belongs to. It reports
// false for replies with an unknown, expired, or malformed id; those are
// logged and dropped.
func (c *Correlator) Dispatch(msg *bus.Message) bool {
	if msg.Header.Get(statusHeader) == noResponders {
		// The request will time out at its deadline.
		c.log.Debug("no responders", map[string]interface{}{"subject": msg.Subject})
		return false
	}

	raw := msg.Header.Get(HeaderCorrelationID)
	if raw == "" && c.cfg.ReplyMode == ReplyInbox {
		raw = msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err == nil && c.resolve(id, result{msg: msg}, metrics.OutcomeOK) {
		return true
	}

	c.metrics.IncMismatch()
	c.log.Debug("discarding unmatched reply", map[string]interface{}{
		"subject": msg.Subject,
		"id":      raw,
		"code":    string(mcperr.ErrCodeCorrelationMismatch),
	})
	return false
}

// expire resolves entry id at its deadline. An entry still waiting for a
// reconnect fails with CONNECTION_ERROR, since the connection is what lost it.
func (c *Correlator) expire(id uint64, subj string, timeout time.Duration) {
	c.mu.Lock()
	e, ok := c.pending[id]
	lost := ok && e.disconnected
	c.mu.Unlock()

	if lost {
		c.resolve(id, result{err: mcperr.ConnectionError("connection lost before the deadline",
			mcperr.WithSubject(subj),
		)}, metrics.OutcomeConnection)
		return
	}
	c.resolve(id, result{err: mcperr.Timeout(mcperr.ErrCodeTimeout.Description(),
		mcperr.WithSubject(subj),
		mcperr.WithMetadata("timeout", timeout.String()),
	)}, metrics.OutcomeTimeout)
}

// resolve delivers r to entry id and removes it. It reports false if the
// entry no longer exists.
func (c *Correlator) resolve(id uint64, r result, outcome string) bool {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.result <- r
	c.metrics.RequestFinished(outcome, time.Since(e.started))
	return true
}

func (c *Correlator) removeLocked(e *entry) {
	delete(c.pending, e.id)
	e.timer.Stop()
}

// failLocked resolves every pending entry for which match reports true.
func (c *Correlator) failLocked(err error, match func(*entry) bool) []*entry {
	var failed []*entry
	for _, e := range c.pending {
		if !match(e) {
			continue
		}
		c.removeLocked(e)
		e.result <- result{err: err}
		failed = append(failed, e)
	}
	return failed
}

func isDisconnected(e *entry) bool { return e.disconnected }

func allEntries(*entry) bool { return true }

func (c *Correlator) finish(failed []*entry, outcome string) {
	for _, e := range failed {
		c.metrics.RequestFinished(outcome, time.Since(e.started))
	}
}

func (c *Correlator) onStatus(s bus.Status) {
	switch s {
	case bus.StatusDisconnected:
		c.mu.Lock()
		if !c.closed && c.grace == nil && len(c.pending) > 0 {
			for _, e := range c.pending {
				e.disconnected = true
			}
			c.grace = time.AfterFunc(c.cfg.DisconnectGrace, c.expireGrace)
			c.log.Warn("disconnected with pending requests", map[string]interface{}{
				"pending": len(c.pending),
				"grace":   c.cfg.DisconnectGrace.String(),
			})
		}
		c.mu.Unlock()

	case bus.StatusConnected:
		c.mu.Lock()
		if c.grace != nil {
			c.grace.Stop()
			c.grace = nil
			for _, e := range c.pending {
				e.disconnected = false
			}
		}
		c.mu.Unlock()

	case bus.StatusClosed:
		c.failAll(mcperr.Closed("connection closed"), false)
	}
}

func (c *Correlator) expireGrace() {
	c.mu.Lock()
	c.grace = nil
	failed := c.failLocked(mcperr.ConnectionError("connection lost"), isDisconnected)
	c.mu.Unlock()

	if len(failed) > 0 {
		c.log.Warn("failed requests after disconnect", map[string]interface{}{"count": len(failed)})
	}
	c.finish(failed, metrics.OutcomeConnection)
}

func (c *Correlator) failAll(err error, terminal bool) {
	c.mu.Lock()
	if terminal {
		c.closed = true
	}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	failed := c.failLocked(err, allEntries)
	c.mu.Unlock()
	c.finish(failed, metrics.OutcomeClosed)
}

func (c *Correlator) dispatchLoop() {
	defer close(c.done)
	for msg := range c.sub.Messages() {
		c.Dispatch(msg)
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding request with CLOSED, unsubscribes, and
// waits for the dispatch loop to exit.
func (c *Correlator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.removeStatus()
		c.failAll(ErrClosed, true)

		err = c.sub.Unsubscribe()
		<-c.done
	})
	return err
}

func outcomeOf(err error) string {
	switch mcperr.Code(err) {
	case mcperr.ErrCodeTimeout:
		return metrics.OutcomeTimeout
	case mcperr.ErrCodeCancelled:
		return metrics.OutcomeCancelled
	case mcperr.ErrCodeClosed:
		return metrics.OutcomeClosed
	default:
		return metrics.OutcomeConnection
	}
}
