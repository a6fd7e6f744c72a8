package heartbeat

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/registry"
)

// Sender keeps a service instance listed by re-registering it on a fixed
// interval. Each Register refreshes the registry lease.
type Sender struct {
	reg      registry.Registry
	stats    registry.StatsSource
	interval time.Duration
	log      *logging.Logger

	mu   sync.RWMutex
	desc registry.ServiceDescriptor
	sent uint64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a new lease sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	desc := cfg.Descriptor
	meta := make(map[string]string, len(desc.Metadata))
	for k, v := range desc.Metadata {
		meta[k] = v
	}
	desc.Metadata = meta

	return &Sender{
		reg:      cfg.Registry,
		stats:    cfg.Stats,
		interval: interval,
		log:      logging.OrNop(cfg.Logger).WithComponent("heartbeat"),
		desc:     desc,
	}, nil
}

// Start registers the instance immediately and then refreshes it at the
// configured interval until Stop or ctx is done. The first registration
// error is returned and the sender is not started.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.Beat(); err != nil {
		s.running.Store(false)
		return err
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main refresh loop.
func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Beat(); err != nil {
				s.log.Warn("lease refresh failed", map[string]interface{}{
					"key":   s.Descriptor().Key(),
					"error": err.Error(),
				})
			}
		}
	}
}

// Beat performs one lease refresh.
func (s *Sender) Beat() error {
	desc := s.snapshot()
	if err := s.reg.Register(desc); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

// snapshot builds the descriptor for the next refresh.
func (s *Sender) snapshot() registry.ServiceDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	desc := s.desc
	desc.Metadata = make(map[string]string, len(s.desc.Metadata)+3)
	for k, v := range s.desc.Metadata {
		desc.Metadata[k] = v
	}
	if s.stats != nil {
		st := s.stats.Stats()
		desc.Metadata[MetaInFlight] = strconv.Itoa(st.InFlight)
		desc.Metadata[MetaRequests] = strconv.FormatUint(st.Requests, 10)
		desc.Metadata[MetaErrors] = strconv.FormatUint(st.Errors, 10)
	}
	return desc
}

// SetMetadata updates a metadata field sent with subsequent refreshes.
func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.desc.Metadata[key] = value
	s.mu.Unlock()
}

// Descriptor returns the descriptor the next refresh will carry.
func (s *Sender) Descriptor() registry.ServiceDescriptor {
	return s.snapshot()
}

// Sent returns the number of successful refreshes.
func (s *Sender) Sent() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sent
}

// Stop ends the refresh loop and deregisters the instance so clients see
// it leave without waiting for the lease to lapse.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh

	desc := s.Descriptor()
	if err := s.reg.Deregister(desc.Service, desc.InstanceID); err != nil {
		s.log.Debug("deregister", map[string]interface{}{"key": desc.Key(), "error": err.Error()})
	}
	return nil
}
