// Package heartbeat keeps MCP server instances listed in the service
// registry and detects instances that have gone away.
//
// # Overview
//
// A registry entry is a lease: it disappears when its TTL elapses without a
// refresh. Sender re-registers an instance on a fixed interval so it stays
// listed while the process is healthy. Monitor follows the registry and
// invokes callbacks when an instance misses its refresh window.
//
// # Architecture
//
//	┌─────────────┐   Register (lease)    ┌───────────┐    Watch    ┌─────────────┐
//	│   Sender    │ ────────────────────> │ Registry  │ ──────────> │   Monitor   │
//	│  (server)   │                       │ (KV/mem)  │             │  (client)   │
//	└─────────────┘                       └───────────┘             └─────────────┘
//
// # Usage
//
// Keeping a server listed:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Registry:   reg,
//	    Descriptor: desc,
//	    Interval:   10 * time.Second,
//	    Stats:      serverConn,
//	})
//	sender.Start(ctx)
//	defer sender.Stop() // deregisters
//
// Watching for dead servers:
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Registry: reg,
//	    Timeout:  30 * time.Second,
//	})
//	monitor.OnDead(func(d registry.ServiceDescriptor) {
//	    log.Printf("instance %s presumed dead", d.Key())
//	})
//	monitor.Start()
//
// # Recommendations
//
//   - Set the sender interval to a third of the registry TTL
//   - Set the monitor timeout to the registry TTL
//   - Handle OnDead callbacks idempotently
package heartbeat
