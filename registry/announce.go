package registry

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/transport"
)

// DescribePrefix is the subject prefix of the describe endpoint. Every
// instance answers $MCP.DESCRIBE.<name> with its descriptor.
const DescribePrefix = "$MCP.DESCRIBE"

// DefaultPingWait is how long Ping and Describe collect replies.
const DefaultPingWait = 500 * time.Millisecond

var (
	invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	semVer           = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)
)

// StatsSource reports request statistics for an announced instance.
// *transport.ServerConn satisfies it.
type StatsSource interface {
	Stats() transport.ServerStats
}

// EndpointData is the custom stats payload reported under $SRV.STATS.
type EndpointData struct {
	Requests              uint64        `json:"requests"`
	Errors                uint64        `json:"errors"`
	ProtocolErrors        uint64        `json:"protocol_errors"`
	InFlight              int           `json:"in_flight"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// ServiceName maps a dotted service subject to a micro service name,
// e.g. "mcp.service" to "mcp_service".
func ServiceName(service string) string {
	name := invalidNameChars.ReplaceAllString(service, "_")
	if name == "" {
		return "_"
	}
	return name
}

// Announcement is a running micro service for one instance.
type Announcement struct {
	svc  micro.Service
	desc ServiceDescriptor
}

// Announce registers the instance as a nats.go micro service so that
// $SRV.PING, $SRV.INFO and $SRV.STATS work with standard NATS tooling.
// stats may be nil.
func Announce(nc *nats.Conn, desc ServiceDescriptor, stats StatsSource) (*Announcement, error) {
	if nc == nil {
		return nil, mcperr.InvalidInput("nats connection required")
	}
	if err := ValidateDescriptor(desc); err != nil {
		return nil, err
	}

	version := desc.Version
	if !semVer.MatchString(version) {
		version = "0.0.0"
	}

	meta := map[string]string{
		"service":     desc.Service,
		"instance_id": desc.InstanceID,
	}
	for k, v := range desc.Metadata {
		meta[k] = v
	}
	if len(desc.Methods) > 0 {
		meta["methods"] = strings.Join(desc.Methods, ",")
	}

	name := ServiceName(desc.Service)
	body, err := json.Marshal(desc)
	if err != nil {
		return nil, mcperr.Internal("marshal service descriptor", mcperr.WithCause(err))
	}

	cfg := micro.Config{
		Name:        name,
		Version:     version,
		Description: desc.Description,
		Metadata:    meta,
	}
	if stats != nil {
		cfg.StatsHandler = func(*micro.Endpoint) any {
			st := stats.Stats()
			return EndpointData{
				Requests:              st.Requests,
				Errors:                st.Errors,
				ProtocolErrors:        st.ProtocolErrors,
				InFlight:              st.InFlight,
				AverageProcessingTime: st.AverageProcessingTime,
			}
		}
	}

	svc, err := micro.AddService(nc, cfg)
	if err != nil {
		return nil, mcperr.Wrap(err, "add micro service")
	}

	// Every instance answers describe, so no queue group.
	err = svc.AddEndpoint("describe",
		micro.HandlerFunc(func(req micro.Request) { _ = req.Respond(body) }),
		micro.WithEndpointSubject(DescribePrefix+"."+name),
		micro.WithEndpointQueueGroupDisabled(),
	)
	if err != nil {
		_ = svc.Stop()
		return nil, mcperr.Wrap(err, "add describe endpoint")
	}
	return &Announcement{svc: svc, desc: desc}, nil
}

// ID returns the micro instance id, which differs from the descriptor's
// InstanceID.
func (a *Announcement) ID() string {
	return a.svc.Info().ID
}

// Descriptor returns the announced descriptor.
func (a *Announcement) Descriptor() ServiceDescriptor {
	return cloneDescriptor(a.desc)
}

// Info returns the micro service info.
func (a *Announcement) Info() micro.Info {
	return a.svc.Info()
}

// Stop removes the micro service. It is safe to call more than once.
func (a *Announcement) Stop() error {
	if a.svc.Stopped() {
		return nil
	}
	return a.svc.Stop()
}

// PingReply is one instance's answer to a ping.
type PingReply struct {
	micro.Ping

	// RTT is the time from sending the ping to receiving this reply.
	RTT time.Duration `json:"rtt"`
}

// PingResult aggregates replies to a ping.
type PingResult struct {
	Replies []PingReply `json:"replies"`
}

// Count returns the number of instances that answered.
func (r PingResult) Count() int {
	return len(r.Replies)
}

// AverageRTT returns the mean round trip across replies.
func (r PingResult) AverageRTT() time.Duration {
	if len(r.Replies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, p := range r.Replies {
		sum += p.RTT
	}
	return sum / time.Duration(len(r.Replies))
}

// Ping sends $SRV.PING.<name> and collects every reply until wait elapses
// or ctx is done. service is the dotted service name; an empty service
// pings every micro service on the connection. wait <= 0 uses
// DefaultPingWait.
func Ping(ctx context.Context, b bus.MessageBus, service string, wait time.Duration) (PingResult, error) {
	name := ""
	if service != "" {
		name = ServiceName(service)
	}
	subj, err := micro.ControlSubject(micro.PingVerb, name, "")
	if err != nil {
		return PingResult{}, mcperr.Wrap(err, "ping subject")
	}

	var result PingResult
	start := time.Now()
	err = gather(ctx, b, subj, wait, func(msg *bus.Message) {
		var p micro.Ping
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
		result.Replies = append(result.Replies, PingReply{Ping: p, RTT: time.Since(start)})
	})
	if err != nil {
		return PingResult{}, err
	}
	sort.Slice(result.Replies, func(i, j int) bool {
		return result.Replies[i].RTT < result.Replies[j].RTT
	})
	return result, nil
}

// Describe asks every live instance of service for its descriptor.
// Results are ordered by key.
func Describe(ctx context.Context, b bus.MessageBus, service string, wait time.Duration) ([]ServiceDescriptor, error) {
	var out []ServiceDescriptor
	err := gather(ctx, b, DescribePrefix+"."+ServiceName(service), wait, func(msg *bus.Message) {
		var d ServiceDescriptor
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return
		}
		out = append(out, d)
	})
	if err != nil {
		return nil, err
	}
	sortDescriptors(out)
	return out, nil
}

// gather publishes an empty request to subj with a fresh inbox and hands
// each reply to fn until the wait window closes.
func gather(ctx context.Context, b bus.MessageBus, subj string, wait time.Duration, fn func(*bus.Message)) error {
	if wait <= 0 {
		wait = DefaultPingWait
	}
	inbox := b.NewInbox()
	sub, err := b.Subscribe(inbox)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if err := b.PublishMsg(&bus.Message{Subject: subj, Reply: inbox}); err != nil {
		return err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return mcperr.Wrap(ctx.Err(), "collect replies")
		case <-timer.C:
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			fn(msg)
		}
	}
}
