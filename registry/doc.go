// Package registry provides service registration and discovery for MCP
// servers reachable over NATS.
//
// # Overview
//
// Each server instance registers a ServiceDescriptor under its service
// name and refreshes it as a lease. Clients list services, watch for
// changes, ping live instances and search descriptors by text.
//
// # Available Implementations
//
//   - MemoryRegistry: In-memory implementation for testing and single-node use
//   - NATSRegistry: Distributed registry on the JetStream KV bucket "mcp-services"
//
// # Basic Usage
//
// Register an instance:
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 30 * time.Second})
//	err := reg.Register(registry.ServiceDescriptor{
//	    Service:    "mcp.weather",
//	    InstanceID: "a1b2",
//	    Methods:    []string{"initialize", "tools/list", "tools/call"},
//	})
//
// Count instances per service:
//
//	counts, _ := reg.Services()
//	// map[mcp.weather:1]
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for event := range events {
//	    switch event.Type {
//	    case registry.EventAdded:
//	        fmt.Printf("New instance: %s\n", event.Descriptor.Key())
//	    case registry.EventRemoved:
//	        fmt.Printf("Instance gone: %s\n", event.Descriptor.Key())
//	    }
//	}
//
// # Leases
//
// The KV bucket TTL is the lease. Instances re-register periodically (see
// package heartbeat) to stay listed. An instance that stops refreshing is
// dropped by the server once the TTL elapses; JetStream does not emit a
// delete marker for expired entries, so watchers only see explicit
// Deregister calls as EventRemoved.
//
// # Micro Services
//
// Announce additionally registers the instance as a nats.go micro service,
// which makes it visible to standard tooling:
//
//	nats micro ls
//	nats micro stats mcp_weather
//
// Micro service names only allow [A-Za-z0-9_-], so "mcp.weather" is
// announced as "mcp_weather". Ping and Describe query live instances
// directly without the KV bucket.
//
// # Search
//
// Index keeps a bleve in-memory full-text index over descriptors:
//
//	idx, _ := registry.NewIndex()
//	list, _ := reg.List(nil)
//	idx.Load(list)
//	hits, _ := idx.Search("weather forecast", 5)
package registry
