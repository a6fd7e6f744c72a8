package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/correlator"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/subject"
)

// MethodCancelled is the MCP cancellation notification. Its requestId is
// rewritten to the server-side id before delivery; a cancellation that
// matches no call of the sending client on this instance is dropped.
const MethodCancelled = "notifications/cancelled"

// ClientNotifications are subscribed in addition to an explicit method
// table so the protocol layer still sees session notifications.
var ClientNotifications = []string{
	"notifications/initialized",
	MethodCancelled,
	"notifications/progress",
	"notifications/roots/list_changed",
}

// ServerConfig configures a server conn.
type ServerConfig struct {
	Config

	// Service is the logical service name, e.g. "mcp.service".
	Service string

	// InstanceID identifies this server instance. Default: a random uuid.
	InstanceID string

	// QueueGroup is shared by all instances of the service.
	// Default: Service
	QueueGroup string

	// Methods restricts the subscription to these request subjects.
	// Empty subscribes to <service>.*.
	Methods []string

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// ServerStats summarizes request handling on one instance.
type ServerStats struct {
	Requests              uint64
	Errors                uint64
	ProtocolErrors        uint64
	InFlight              int
	AverageProcessingTime time.Duration
}

// ServerConn is the server end of the stream. Inbound calls get a
// server-unique id so concurrent clients reusing ids never clash; the
// original id is restored when the response is written.
type ServerConn struct {
	bus     bus.MessageBus
	router  *subject.Router
	cfg     ServerConfig
	log     *logging.Logger
	metrics *metrics.Metrics

	in   *queue
	subs []bus.Subscription
	wg   sync.WaitGroup

	mu       sync.Mutex
	nextID   int64
	inflight map[int64]*inflight

	requests       atomic.Uint64
	errors         atomic.Uint64
	protocolErrors atomic.Uint64
	processingNs   atomic.Int64
}

type inflight struct {
	origID   jsonrpc.ID
	reply    string
	corrID   string
	clientID string
	received time.Time
}

// Listen joins the service queue group and starts delivering calls.
func Listen(b bus.MessageBus, cfg ServerConfig) (*ServerConn, error) {
	router, err := subject.NewRouter(cfg.Service)
	if err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = cfg.Service
	}

	s := &ServerConn{
		bus:      b,
		router:   router,
		cfg:      cfg,
		log:      logging.OrNop(cfg.Logger).WithComponent("server").WithTraceID(cfg.InstanceID),
		metrics:  cfg.Metrics,
		in:       newQueue(cfg.RecvBufferSize),
		inflight: make(map[int64]*inflight),
	}

	subjects, err := s.subjects()
	if err != nil {
		return nil, err
	}
	for _, subj := range subjects {
		sub, err := b.QueueSubscribe(subj, cfg.QueueGroup)
		if err != nil {
			s.Close()
			return nil, mcperr.Wrap(err, "queue subscribe", mcperr.WithSubject(subj))
		}
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.pump(sub)
	}

	// Every instance sees every cancellation; only the one holding the
	// call acts on it.
	cancels, err := b.Subscribe(router.Cancels())
	if err != nil {
		s.Close()
		return nil, mcperr.Wrap(err, "subscribe to cancellations", mcperr.WithSubject(router.Cancels()))
	}
	s.subs = append(s.subs, cancels)
	s.wg.Add(1)
	go s.pump(cancels)

	s.log.Info("listening", map[string]interface{}{
		"service":  cfg.Service,
		"queue":    cfg.QueueGroup,
		"subjects": len(subjects),
	})
	return s, nil
}

func (s *ServerConn) subjects() ([]string, error) {
	if len(s.cfg.Methods) == 0 {
		return []string{s.router.Requests()}, nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range append(append([]string(nil), s.cfg.Methods...), ClientNotifications...) {
		subj, err := s.router.Route(m)
		if err != nil {
			return nil, err
		}
		if !seen[subj] {
			seen[subj] = true
			out = append(out, subj)
		}
	}
	return out, nil
}

// InstanceID returns the identity of this server instance.
func (s *ServerConn) InstanceID() string {
	return s.cfg.InstanceID
}

// Service returns the service name.
func (s *ServerConn) Service() string {
	return s.router.Service()
}

// Router returns the subject router of the service.
func (s *ServerConn) Router() *subject.Router {
	return s.router
}

// Bus returns the underlying message bus.
func (s *ServerConn) Bus() bus.MessageBus {
	return s.bus
}

func (s *ServerConn) pump(sub bus.Subscription) {
	defer s.wg.Done()
	for msg := range sub.Messages() {
		if !s.handle(msg) {
			return
		}
	}
}

// handle decodes one inbound message and queues it. It reports false once
// the conn is closed.
func (s *ServerConn) handle(msg *bus.Message) bool {
	m, err := jsonrpc.DecodeMessage(msg.Data)
	if err != nil {
		s.reject(msg, jsonrpc.CodeParseError, "parse error: "+err.Error())
		return true
	}

	req, ok := m.(*jsonrpc.Request)
	if !ok {
		s.reject(msg, jsonrpc.CodeInvalidRequest, "servers do not accept responses")
		return true
	}

	clientID := msg.Header.Get(correlator.HeaderClientID)
	if p, err := s.router.Parse(msg.Subject); err == nil && p.Kind == subject.KindCancel {
		if req.IsCall() || req.Method != MethodCancelled {
			s.reject(msg, jsonrpc.CodeInvalidRequest, "only cancellations may be sent to "+msg.Subject)
			return true
		}
		clientID = p.ID
	}

	if req.IsCall() {
		if msg.Reply == "" {
			s.reject(msg, jsonrpc.CodeInvalidRequest, "call without reply subject")
			return true
		}
		s.mu.Lock()
		s.nextID++
		sid := s.nextID
		s.inflight[sid] = &inflight{
			origID:   req.ID,
			reply:    msg.Reply,
			corrID:   msg.Header.Get(correlator.HeaderCorrelationID),
			clientID: clientID,
			received: time.Now(),
		}
		s.mu.Unlock()

		req.ID, _ = jsonrpc.MakeID(float64(sid))
		s.requests.Add(1)
		s.metrics.ServerReceived()
	} else if req.Method == MethodCancelled {
		params, ok := s.rewriteCancelled(req.Params, clientID)
		s.metrics.IncCancellation(ok)
		if !ok {
			s.log.Debug("dropping cancellation without a matching call", map[string]interface{}{
				"subject": msg.Subject,
				"client":  clientID,
			})
			return true
		}
		req.Params = params
	}

	return s.in.push(req)
}

// rewriteCancelled maps a client's requestId onto the server-side id of
// the matching in-flight call from the same client. It reports false when
// there is no such call, since the client's id means nothing in the
// server's id space.
func (s *ServerConn) rewriteCancelled(params json.RawMessage, clientID string) (json.RawMessage, bool) {
	if clientID == "" {
		return nil, false
	}
	var p map[string]interface{}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, false
	}
	orig, err := jsonrpc.MakeID(p["requestId"])
	if err != nil || !orig.IsValid() {
		return nil, false
	}

	s.mu.Lock()
	var sid int64
	for id, f := range s.inflight {
		if f.clientID == clientID && f.origID.Raw() == orig.Raw() {
			sid = id
			break
		}
	}
	s.mu.Unlock()
	if sid == 0 {
		return nil, false
	}

	p["requestId"] = sid
	out, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return out, true
}

// reject discards a malformed message. If the sender waits for a reply
// it gets an error response with a null id.
func (s *ServerConn) reject(msg *bus.Message, code int64, reason string) {
	s.protocolErrors.Add(1)
	s.metrics.IncProtocolError()
	s.log.Warn("discarding malformed message", map[string]interface{}{
		"subject": msg.Subject,
		"reason":  reason,
		"code":    string(mcperr.ErrCodeProtocol),
	})
	if msg.Reply == "" {
		return
	}

	data, err := jsonrpc.EncodeMessage(&jsonrpc.Response{Error: &jsonrpc.Error{Code: code, Message: reason}})
	if err != nil {
		return
	}
	h := bus.Header{}
	if corr := msg.Header.Get(correlator.HeaderCorrelationID); corr != "" {
		h.Set(correlator.HeaderCorrelationID, corr)
	}
	if err := s.bus.PublishMsg(&bus.Message{Subject: msg.Reply, Header: h, Data: data}); err != nil {
		s.log.Debug("could not answer malformed message", map[string]interface{}{"error": err.Error()})
	}
}

// Read returns the next inbound call or notification.
func (s *ServerConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	return s.in.read(ctx)
}

// Write publishes a response to the caller's reply subject, or a
// notification to <service>.notifications.<type>.
func (s *ServerConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if s.in.closed() {
		return ErrClosed
	}
	switch m := msg.(type) {
	case *jsonrpc.Response:
		return s.respond(m)
	case *jsonrpc.Request:
		if m.IsCall() {
			s.metrics.IncProtocolError()
			return protocolError("server conn cannot originate calls", mcperr.WithMetadata("method", m.Method))
		}
		subj, err := s.router.Notification(m.Method)
		if err != nil {
			return err
		}
		data, err := jsonrpc.EncodeMessage(m)
		if err != nil {
			return mcperr.WrapWithCode(err, mcperr.ErrCodeInvalidInput, "encode notification")
		}
		return s.bus.Publish(subj, data)
	default:
		return protocolError("unknown message type")
	}
}

func (s *ServerConn) respond(resp *jsonrpc.Response) error {
	sid, ok := resp.ID.Raw().(int64)
	s.mu.Lock()
	f, found := s.inflight[sid]
	if ok && found {
		delete(s.inflight, sid)
	}
	s.mu.Unlock()
	if !ok || !found {
		s.metrics.IncProtocolError()
		return protocolError("response for unknown request", mcperr.WithMetadata("id", idString(resp.ID)))
	}

	elapsed := time.Since(f.received)
	s.processingNs.Add(int64(elapsed))
	if resp.Error != nil {
		s.errors.Add(1)
	}
	s.metrics.ServerAnswered(resp.Error != nil, elapsed)

	data, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: f.origID, Result: resp.Result, Error: resp.Error})
	if err != nil {
		return mcperr.WrapWithCode(err, mcperr.ErrCodeInvalidInput, "encode response")
	}
	h := bus.Header{}
	if f.corrID != "" {
		h.Set(correlator.HeaderCorrelationID, f.corrID)
	}
	return s.bus.PublishMsg(&bus.Message{Subject: f.reply, Header: h, Data: data})
}

// Stats returns request counters for this instance.
func (s *ServerConn) Stats() ServerStats {
	s.mu.Lock()
	inFlight := len(s.inflight)
	s.mu.Unlock()

	st := ServerStats{
		Requests:       s.requests.Load(),
		Errors:         s.errors.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
		InFlight:       inFlight,
	}
	if answered := st.Requests - uint64(inFlight); answered > 0 {
		st.AverageProcessingTime = time.Duration(s.processingNs.Load() / int64(answered))
	}
	return st
}

// Close leaves the queue group and ends Read with io.EOF. Calls still in
// flight are not answered; their callers time out.
func (s *ServerConn) Close() error {
	if !s.in.close() {
		return nil
	}
	var errs []error
	for _, sub := range s.subs {
		errs = append(errs, sub.Unsubscribe())
	}
	s.wg.Wait()
	s.log.Info("server closed")
	return errors.Join(errs...)
}

func idString(id jsonrpc.ID) string {
	data, err := json.Marshal(id.Raw())
	if err != nil {
		return ""
	}
	return string(data)
}
