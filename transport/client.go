package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/correlator"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/subject"
)

// ClientConfig configures a client conn.
type ClientConfig struct {
	Config

	// Service is the logical service to call, e.g. "mcp.service".
	Service string

	// ClientID identifies this client. Default: a random uuid.
	ClientID string

	// Timeout bounds every call. Default: 30s.
	Timeout time.Duration

	// ReplyMode selects ephemeral inbox or durable per-client replies.
	ReplyMode correlator.ReplyMode

	// DisconnectGrace is how long calls survive a disconnect.
	DisconnectGrace time.Duration

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// ClientConn is the client end of the stream. Calls written to it are
// correlated with their replies; server notifications arrive on Read.
type ClientConn struct {
	bus     bus.MessageBus
	router  *subject.Router
	corr    *correlator.Correlator
	log     *logging.Logger
	metrics *metrics.Metrics

	in       *queue
	notifSub bus.Subscription

	// ctx outlives individual writes; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	nextID atomic.Int64
}

// Dial creates a client conn for cfg.Service.
func Dial(b bus.MessageBus, cfg ClientConfig) (*ClientConn, error) {
	router, err := subject.NewRouter(cfg.Service)
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(cfg.Logger)

	corr, err := correlator.New(b, correlator.Config{
		Timeout:         cfg.Timeout,
		ReplyMode:       cfg.ReplyMode,
		Service:         cfg.Service,
		ClientID:        cfg.ClientID,
		DisconnectGrace: cfg.DisconnectGrace,
	}, correlator.WithLogger(log), correlator.WithMetrics(cfg.Metrics))
	if err != nil {
		return nil, err
	}

	notifSub, err := b.Subscribe(router.Notifications())
	if err != nil {
		corr.Close()
		return nil, mcperr.Wrap(err, "subscribe to notifications", mcperr.WithSubject(router.Notifications()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &ClientConn{
		bus:      b,
		router:   router,
		corr:     corr,
		log:      log.WithComponent("client").WithTraceID(corr.ClientID()),
		metrics:  cfg.Metrics,
		in:       newQueue(cfg.RecvBufferSize),
		notifSub: notifSub,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.wg.Add(1)
	go c.notificationLoop()

	c.log.Info("client connected", map[string]interface{}{"service": cfg.Service})
	return c, nil
}

// ClientID returns the identity this conn sends with every request.
func (c *ClientConn) ClientID() string {
	return c.corr.ClientID()
}

// Service returns the service this conn talks to.
func (c *ClientConn) Service() string {
	return c.router.Service()
}

// Router returns the subject router of the service.
func (c *ClientConn) Router() *subject.Router {
	return c.router
}

// Bus returns the underlying message bus.
func (c *ClientConn) Bus() bus.MessageBus {
	return c.bus
}

// Read returns the next response or server notification.
func (c *ClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	return c.in.read(ctx)
}

// Write sends a call or notification. A call's reply, or a synthesized
// error response carrying the same id, is later returned by Read.
func (c *ClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		c.metrics.IncProtocolError()
		return protocolError("client conn cannot send responses")
	}

	subj, err := c.route(req)
	if err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return mcperr.WrapWithCode(err, mcperr.ErrCodeInvalidInput, "encode request")
	}

	if !req.IsCall() {
		return c.publish(subj, data)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	call, err := c.corr.Begin(ctx, subj, data, 0)
	if err != nil {
		c.wg.Done()
		return err
	}
	go c.await(req.ID, call)
	return nil
}

// route returns the subject of req. Cancellations go to the client's
// cancel subject, which every instance of the service receives.
func (c *ClientConn) route(req *jsonrpc.Request) (string, error) {
	if req.Method == MethodCancelled {
		return c.router.Cancel(c.corr.ClientID())
	}
	return c.router.Route(req.Method)
}

func (c *ClientConn) publish(subj string, data []byte) error {
	h := bus.Header{}
	h.Set(correlator.HeaderClientID, c.corr.ClientID())
	return c.bus.PublishMsg(&bus.Message{Subject: subj, Header: h, Data: data})
}

// await turns the resolution of call into an inbound response for id.
func (c *ClientConn) await(id jsonrpc.ID, call *correlator.Call) {
	defer c.wg.Done()

	msg, err := call.Wait(c.ctx)
	var resp *jsonrpc.Response
	if err != nil {
		resp = &jsonrpc.Response{ID: id, Error: mcperr.ToWire(err)}
	} else {
		resp = c.decodeReply(id, msg.Data)
	}
	c.in.push(resp)
}

// decodeReply parses a reply. Replies that fail to decode become error
// responses so the caller is never left waiting.
func (c *ClientConn) decodeReply(id jsonrpc.ID, data []byte) *jsonrpc.Response {
	m, err := jsonrpc.DecodeMessage(data)
	if err == nil {
		if resp, ok := m.(*jsonrpc.Response); ok {
			resp.ID = id
			return resp
		}
		err = errors.New("reply is not a response")
	}

	// Parse errors from the server carry a null id.
	var raw struct {
		Error *jsonrpc.Error `json:"error"`
	}
	if json.Unmarshal(data, &raw) == nil && raw.Error != nil {
		return &jsonrpc.Response{ID: id, Error: raw.Error}
	}

	c.metrics.IncProtocolError()
	c.log.Warn("malformed reply", map[string]interface{}{"error": err.Error()})
	return &jsonrpc.Response{ID: id, Error: &jsonrpc.Error{
		Code:    jsonrpc.CodeParseError,
		Message: "malformed reply: " + err.Error(),
	}}
}

func (c *ClientConn) notificationLoop() {
	defer c.wg.Done()
	for msg := range c.notifSub.Messages() {
		m, err := jsonrpc.DecodeMessage(msg.Data)
		if err != nil {
			c.metrics.IncProtocolError()
			c.log.Warn("discarding malformed notification", map[string]interface{}{
				"subject": msg.Subject,
				"error":   err.Error(),
			})
			continue
		}
		req, ok := m.(*jsonrpc.Request)
		if !ok || req.IsCall() {
			c.metrics.IncProtocolError()
			c.log.Warn("discarding non-notification on notification subject", map[string]interface{}{"subject": msg.Subject})
			continue
		}
		if !c.in.push(req) {
			return
		}
	}
}

// Call sends method with params and waits for the reply. A peer error is
// returned as an APPLICATION_ERROR wrapping the *jsonrpc.Error, while
// transport faults keep their own codes.
func (c *ClientConn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	subj, err := c.router.Route(method)
	if err != nil {
		return nil, err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id, _ := jsonrpc.MakeID(float64(c.nextID.Add(1)))
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: raw})
	if err != nil {
		return nil, mcperr.WrapWithCode(err, mcperr.ErrCodeInvalidInput, "encode request")
	}

	msg, err := c.corr.Send(ctx, subj, data, 0)
	if err != nil {
		return nil, err
	}

	resp := c.decodeReply(id, msg.Data)
	if resp.Error != nil {
		var wire *jsonrpc.Error
		if errors.As(resp.Error, &wire) {
			return nil, mcperr.FromWire(wire)
		}
		return nil, mcperr.Wrap(resp.Error, "call failed", mcperr.WithSubject(subj))
	}
	return resp.Result, nil
}

// Notify publishes a notification. It does not wait for delivery.
func (c *ClientConn) Notify(ctx context.Context, method string, params interface{}) error {
	if err := ctx.Err(); err != nil {
		return mcperr.WrapWithCode(err, mcperr.ErrCodeCancelled, "notify")
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.Write(ctx, &jsonrpc.Request{Method: method, Params: raw})
}

// Pending returns the number of calls awaiting a reply.
func (c *ClientConn) Pending() int {
	return c.corr.Pending()
}

// Close fails outstanding calls, releases subscriptions, and ends Read
// with io.EOF. It waits for background goroutines.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.in.close()
	c.cancel()
	err := errors.Join(c.corr.Close(), c.notifSub.Unsubscribe())
	c.wg.Wait()

	c.log.Info("client closed")
	return err
}

func marshalParams(params interface{}) (json.RawMessage, error) {
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
