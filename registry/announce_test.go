package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/micro"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
)

// respond answers every message on subj with the payload built by reply,
// until the bus closes.
func respond(t *testing.T, b bus.MessageBus, subj string, reply func() []byte) {
	t.Helper()
	sub, err := b.Subscribe(subj)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				b.Publish(msg.Reply, reply())
			}
		}
	}()
	t.Cleanup(func() { sub.Unsubscribe() })
}

func pingPayload(id string) func() []byte {
	return func() []byte {
		data, _ := json.Marshal(micro.Ping{
			ServiceIdentity: micro.ServiceIdentity{Name: "mcp_service", ID: id, Version: "1.0.0"},
			Type:            micro.PingResponseType,
		})
		return data
	}
}

func TestPing_CollectsAllReplies(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	respond(t, b, "$SRV.PING.mcp_service", pingPayload("one"))
	respond(t, b, "$SRV.PING.mcp_service", pingPayload("two"))
	respond(t, b, "$SRV.PING.other", pingPayload("three"))

	res, err := Ping(context.Background(), b, "mcp.service", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if res.Count() != 2 {
		t.Fatalf("Count = %d, want 2", res.Count())
	}
	ids := map[string]bool{}
	for _, r := range res.Replies {
		ids[r.ID] = true
		if r.RTT <= 0 {
			t.Errorf("reply %s has no RTT", r.ID)
		}
	}
	if !ids["one"] || !ids["two"] {
		t.Errorf("replies = %v", ids)
	}
	if res.AverageRTT() <= 0 {
		t.Error("AverageRTT should be positive")
	}
}

func TestPing_NoInstances(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	start := time.Now()
	res, err := Ping(context.Background(), b, "mcp.service", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if res.Count() != 0 || res.AverageRTT() != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Ping should wait the full window")
	}
}

func TestPing_ContextCancelled(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Ping(ctx, b, "mcp.service", time.Minute)
	if !mcperr.Is(err, mcperr.ErrCodeTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestPing_BusClosed(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	b.Close()

	if _, err := Ping(context.Background(), b, "mcp.service", 10*time.Millisecond); err == nil {
		t.Error("expected error on closed bus")
	}
}

func TestDescribe(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	for _, id := range []string{"b", "a"} {
		desc := ServiceDescriptor{Service: "mcp.service", InstanceID: id, Methods: []string{"echo"}}
		data, _ := json.Marshal(desc)
		respond(t, b, DescribePrefix+".mcp_service", func() []byte { return data })
	}
	respond(t, b, DescribePrefix+".mcp_service", func() []byte { return []byte("not json") })

	descs, err := Describe(context.Background(), b, "mcp.service", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Describe error: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("len = %d, want 2", len(descs))
	}
	if descs[0].InstanceID != "a" || descs[1].InstanceID != "b" {
		t.Errorf("descriptors not ordered by key: %v, %v", descs[0].Key(), descs[1].Key())
	}
	if !descs[0].HasMethod("echo") {
		t.Error("methods lost in transit")
	}
}

func TestAnnounce_RequiresConn(t *testing.T) {
	_, err := Announce(nil, ServiceDescriptor{Service: "mcp.service", InstanceID: "a"}, nil)
	if !errors.Is(err, mcperr.InvalidInput("")) {
		t.Errorf("expected invalid input, got %v", err)
	}
}
