// Package shutdown provides graceful, phased shutdown for MCP-over-NATS
// processes.
//
// # Overview
//
// A server instance has to leave in the right order: withdraw from
// discovery, stop taking requests from the queue group, settle running
// async tasks, and only then drain the NATS connection. The Coordinator
// runs registered handlers phase by phase and handles SIGTERM and SIGINT.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                          Coordinator                             │
//	├──────────────────────────────────────────────────────────────────┤
//	│  Announce(10) → Intake(20) → Tasks(30) → Clients(40) → Transport(50)
//	└──────────────────────────────────────────────────────────────────┘
//	                              ↑
//	                    SIGTERM / SIGINT / Shutdown()
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	ctx, stop := coord.HandleSignals(context.Background())
//	defer stop()
//
//	coord.RegisterFunc("lease", shutdown.PhaseAnnounce, func(context.Context) error {
//	    return sender.Stop()
//	})
//	coord.RegisterWithPhase("server", shutdown.Closer(serverConn), shutdown.PhaseIntake)
//	coord.RegisterWithPhase("tasks", shutdown.Closer(executor), shutdown.PhaseTasks)
//	coord.RegisterWithPhase("bus", shutdown.Closer(natsBus), shutdown.PhaseTransport)
//
//	<-ctx.Done()
//	<-coord.Done()
//
// Handlers in the same phase run concurrently. If the deadline passes the
// coordinator stops starting new phases and Err wraps ErrTimeout.
package shutdown
