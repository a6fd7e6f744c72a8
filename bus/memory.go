package bus

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/subject"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config
	status *statusHub

	mu      sync.Mutex
	subs    []*memorySub
	rr      map[string]int // queue key -> next member
	closed  bool
	dropped atomic.Uint64

	inboxSeq atomic.Uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		status: newStatusHub(),
		rr:     make(map[string]int),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subject, Data: data})
}

// PublishMsg sends a message with headers and reply subject.
func (b *MemoryBus) PublishMsg(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.readyLocked(); err != nil {
		return mcperr.Wrap(err, "publish", mcperr.WithSubject(msg.Subject))
	}
	b.deliverLocked(&Message{
		Subject: msg.Subject,
		Reply:   msg.Reply,
		Header:  msg.Header.Clone(),
		Data:    msg.Data,
	})
	return nil
}

func (b *MemoryBus) readyLocked() error {
	if b.closed {
		return ErrClosed
	}
	if b.status.get() != StatusConnected {
		return ErrUnavailable
	}
	return nil
}

// deliverLocked fans msg out to every plain subscriber and one member
// of each matching queue group. Returns the number of receivers.
func (b *MemoryBus) deliverLocked(msg *Message) int {
	receivers := 0
	groups := make(map[string][]*memorySub)
	var order []string

	for _, s := range b.subs {
		if s.closed || !subject.Match(s.pattern, msg.Subject) {
			continue
		}
		if s.queue == "" {
			b.send(s, msg)
			receivers++
			continue
		}
		key := s.pattern + "|" + s.queue
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	for _, key := range order {
		members := groups[key]
		i := b.rr[key] % len(members)
		b.rr[key] = i + 1
		b.send(members[i], msg)
		receivers++
	}
	return receivers
}

func (b *MemoryBus) send(s *memorySub, msg *Message) {
	select {
	case s.ch <- msg:
	default:
		b.dropped.Add(1)
	}
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subj string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subj); err != nil {
		return nil, err
	}

	inbox := b.NewInbox()
	s, err := b.Subscribe(inbox)
	if err != nil {
		return nil, err
	}
	defer s.Unsubscribe()

	b.mu.Lock()
	if err := b.readyLocked(); err != nil {
		b.mu.Unlock()
		return nil, mcperr.Wrap(err, "request", mcperr.WithSubject(subj))
	}
	n := b.deliverLocked(&Message{Subject: subj, Reply: inbox, Data: data})
	b.mu.Unlock()

	if n == 0 {
		return nil, mcperr.Wrap(ErrNoResponders, "request", mcperr.WithSubject(subj))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-s.Messages():
		if !ok {
			return nil, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		return nil, mcperr.Wrap(ErrTimeout, "request", mcperr.WithSubject(subj))
	}
}

// NewInbox returns a unique reply subject.
func (b *MemoryBus) NewInbox() string {
	return "_INBOX." + strconv.FormatUint(b.inboxSeq.Add(1), 10)
}

// Status returns the current connection status.
func (b *MemoryBus) Status() Status {
	return b.status.get()
}

// OnStatusChange registers a status listener.
func (b *MemoryBus) OnStatusChange(fn StatusListener) func() {
	return b.status.add(fn)
}

// SimulateDisconnect moves the bus to Disconnected. Publishes fail with
// TRANSPORT_UNAVAILABLE until SimulateReconnect. Subscriptions survive.
func (b *MemoryBus) SimulateDisconnect() {
	b.status.set(StatusDisconnected)
}

// SimulateReconnect moves the bus back to Connected.
func (b *MemoryBus) SimulateReconnect() {
	b.status.set(StatusConnected)
}

// Dropped returns how many messages were discarded on full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	b.subs = nil
	b.mu.Unlock()

	b.status.set(StatusClosed)
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
