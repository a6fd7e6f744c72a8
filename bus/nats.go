package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
)

// NATSBus implements MessageBus using NATS.
type NATSBus struct {
	conn    *nats.Conn
	config  NATSConfig
	log     *logging.Logger
	metrics *metrics.Metrics
	status  *statusHub

	subsMu sync.Mutex
	subs   map[*natsSub]struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// A comma-separated list selects a cluster.
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// CredentialsFile is a NATS .creds file (JWT + NKey).
	CredentialsFile string

	// Backoff controls the delay between reconnection attempts.
	Backoff Backoff

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// DrainTimeout bounds the graceful drain on Close.
	DrainTimeout time.Duration

	// Logger receives connection lifecycle events. Nil discards them.
	Logger *logging.Logger

	// Metrics records connection state. Nil disables it.
	Metrics *metrics.Metrics
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Backoff:        DefaultBackoff(),
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// Connect dials the NATS server. An unreachable endpoint or rejected
// credentials produce a CONNECTION_ERROR.
func Connect(ctx context.Context, cfg NATSConfig) (*NATSBus, error) {
	def := DefaultNATSConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < cfg.ConnectTimeout {
			cfg.ConnectTimeout = until
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, mcperr.ConnectionError("nats connect", mcperr.WithCause(err))
	}

	b := &NATSBus{
		config:   cfg,
		log:      logging.OrNop(cfg.Logger).WithComponent("bus"),
		metrics:  cfg.Metrics,
		status:   newStatusHub(),
		subs:     make(map[*natsSub]struct{}),
		closedCh: make(chan struct{}),
	}

	conn, err := nats.Connect(cfg.URL, b.options()...)
	if err != nil {
		return nil, mcperr.ConnectionError("nats connect",
			mcperr.WithCause(err),
			mcperr.WithMetadata("url", cfg.URL),
		)
	}
	b.conn = conn
	b.metrics.SetConnected(true)
	b.log.Info("connected", map[string]interface{}{"url": conn.ConnectedUrlRedacted()})
	return b, nil
}

// NewNATSBus creates a new NATS message bus without a caller context.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	return Connect(context.Background(), cfg)
}

// WithConnection connects, runs fn, and closes the connection on every
// exit path of fn, including panics.
func WithConnection(ctx context.Context, cfg NATSConfig, fn func(*NATSBus) error) (err error) {
	b, err := Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(b)
}

// options constructs NATS connection options from config.
func (b *NATSBus) options() []nats.Option {
	cfg := b.config
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.CustomReconnectDelay(cfg.Backoff.Delay),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		// Publishes while reconnecting fail instead of buffering.
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(b.handleDisconnect),
		nats.ReconnectHandler(b.handleReconnect),
		nats.ClosedHandler(b.handleClosed),
		nats.ErrorHandler(b.handleAsyncError),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	return opts
}

func (b *NATSBus) handleDisconnect(_ *nats.Conn, err error) {
	fields := map[string]interface{}{}
	if err != nil {
		fields["error"] = err.Error()
	}
	b.log.Warn("disconnected", fields)
	b.metrics.SetConnected(false)
	b.status.set(StatusDisconnected)
}

func (b *NATSBus) handleReconnect(c *nats.Conn) {
	b.log.Info("reconnected", map[string]interface{}{"url": c.ConnectedUrlRedacted()})
	b.metrics.SetConnected(true)
	b.metrics.IncReconnect()
	b.status.set(StatusConnected)
}

func (b *NATSBus) handleClosed(_ *nats.Conn) {
	b.log.Info("connection closed")
	b.metrics.SetConnected(false)
	b.status.set(StatusClosed)
	b.closeOnce.Do(func() { close(b.closedCh) })
	b.closeSubscriptions()
}

func (b *NATSBus) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	fields := map[string]interface{}{"error": err.Error()}
	if sub != nil {
		fields["subject"] = sub.Subject
	}
	b.log.Warn("async error", fields)
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

// PublishMsg sends a message with headers and reply subject.
func (b *NATSBus) PublishMsg(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if err := b.ready(); err != nil {
		b.metrics.IncPublishError(string(mcperr.Code(err)))
		return mcperr.Wrap(err, "publish", mcperr.WithSubject(msg.Subject))
	}

	nm := &nats.Msg{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Data:    msg.Data,
	}
	if len(msg.Header) > 0 {
		nm.Header = nats.Header(msg.Header.Clone())
	}
	if err := b.conn.PublishMsg(nm); err != nil {
		mapped := mapNATSError(err, "publish", msg.Subject)
		b.metrics.IncPublishError(string(mcperr.Code(mapped)))
		return mapped
	}
	return nil
}

// ready fails fast when the connection cannot carry a publish right now.
func (b *NATSBus) ready() error {
	switch {
	case b.conn.IsClosed():
		return ErrClosed
	case b.conn.IsReconnecting(), !b.conn.IsConnected():
		return ErrUnavailable
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidatePattern(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSub{
		bus:  b,
		ch:   make(chan *Message, b.config.BufferSize),
		kind: "plain",
	}
	if queue != "" {
		s.kind = "queue"
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if queue == "" {
		ns, err = b.conn.Subscribe(subject, s.deliver)
	} else {
		ns, err = b.conn.QueueSubscribe(subject, queue, s.deliver)
	}
	if err != nil {
		return nil, mapNATSError(err, "subscribe", subject)
	}
	s.sub = ns

	b.subsMu.Lock()
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()

	b.log.Debug("subscribed", map[string]interface{}{"subject": subject, "queue": queue})
	return s, nil
}

// Request sends a request and waits for reply.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if err := b.ready(); err != nil {
		return nil, mcperr.Wrap(err, "request", mcperr.WithSubject(subject))
	}

	reply, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, mapNATSError(err, "request", subject)
	}
	return fromNATS(reply), nil
}

// NewInbox returns a unique reply subject.
func (b *NATSBus) NewInbox() string {
	return b.conn.NewInbox()
}

// Status returns the current connection status.
func (b *NATSBus) Status() Status {
	return b.status.get()
}

// OnStatusChange registers a status listener.
func (b *NATSBus) OnStatusChange(fn StatusListener) func() {
	return b.status.add(fn)
}

// Close drains the connection, bounded by DrainTimeout, then closes it.
// Safe to call more than once.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	select {
	case <-b.closedCh:
	case <-time.After(b.config.DrainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for JetStream and micro.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

func (b *NATSBus) closeSubscriptions() {
	b.subsMu.Lock()
	subs := make([]*natsSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*natsSub]struct{})
	b.subsMu.Unlock()

	for _, s := range subs {
		s.closeChan()
	}
}

func mapNATSError(err error, op, subject string) error {
	switch {
	case errors.Is(err, nats.ErrTimeout):
		return mcperr.Wrap(ErrTimeout, op, mcperr.WithSubject(subject))
	case errors.Is(err, nats.ErrNoResponders):
		return mcperr.Wrap(ErrNoResponders, op, mcperr.WithSubject(subject))
	case errors.Is(err, nats.ErrConnectionClosed):
		return mcperr.Wrap(ErrClosed, op, mcperr.WithSubject(subject))
	case errors.Is(err, nats.ErrReconnectBufExceeded),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return mcperr.WrapWithCode(err, mcperr.ErrCodeUnavailable, op, mcperr.WithSubject(subject))
	case errors.Is(err, nats.ErrBadSubject):
		return mcperr.Wrap(ErrInvalidSubject, op, mcperr.WithSubject(subject))
	default:
		return mcperr.WrapWithCode(err, mcperr.ErrCodeConnection, fmt.Sprintf("nats %s", op), mcperr.WithSubject(subject))
	}
}

func fromNATS(m *nats.Msg) *Message {
	msg := &Message{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
	}
	if len(m.Header) > 0 {
		msg.Header = Header(m.Header)
	}
	return msg
}

// natsSub wraps a NATS subscription with a bounded channel.
type natsSub struct {
	bus  *NATSBus
	sub  *nats.Subscription
	kind string

	mu     sync.RWMutex
	ch     chan *Message
	closed bool
}

func (s *natsSub) deliver(m *nats.Msg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- fromNATS(m):
	default:
		s.bus.metrics.IncDropped(s.kind)
		s.bus.log.Warn("slow consumer, message dropped", map[string]interface{}{"subject": m.Subject})
	}
}

func (s *natsSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Messages returns the message channel.
func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSub) Unsubscribe() error {
	s.bus.subsMu.Lock()
	delete(s.bus.subs, s)
	s.bus.subsMu.Unlock()

	var err error
	if !s.bus.conn.IsClosed() {
		err = s.sub.Unsubscribe()
	}
	s.closeChan()
	return err
}
