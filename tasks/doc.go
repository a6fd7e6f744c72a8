// Package tasks extends request/reply with callback-driven async calls.
//
// An async call returns as soon as the server acknowledges it. The
// operation then runs out of band and reports on a task subject:
//
//	<service>.tasks.<taskId>
//
// Key features:
//
//   - Compatible _callback params member and accepted ack
//   - Non-decreasing progress and exactly one terminal update per task
//   - Idempotent result fetch for the retention window
//   - Polling on <service>.tasks.<taskId>.status from a shared store
//
// # Server Side
//
// Wrap a handler with an Executor and register it on a transport.Mux:
//
//	exec, _ := tasks.NewExecutor(b, tasks.ExecutorConfig{Service: "mcp.service"})
//	defer exec.Close()
//	exec.ServeStatus()
//
//	mux.Handle("index", exec.Wrap("index", func(ctx context.Context, params json.RawMessage, r tasks.Reporter) (interface{}, error) {
//	    for i := 1; i <= 10; i++ {
//	        r.Report(float64(i), 10, "indexing")
//	    }
//	    return map[string]int{"documents": 10}, nil
//	}))
//
// The _callback subject must be <service>.tasks.<id> of the executor's
// service; the id becomes the task id. A request without a _callback
// member runs inline and is answered with the handler result as usual.
//
// # Client Side
//
//	tr, _ := tasks.NewTracker(clientConn, tasks.TrackerConfig{})
//	defer tr.Close()
//
//	id, err := tr.CallAsync(ctx, "index", map[string]string{"path": "/docs"})
//	updates, _ := tr.Progress(id)
//	for snap := range updates {
//	    fmt.Println(snap.Status, snap.Fraction())
//	}
//	result, err := tr.GetResult(ctx, id)
//	tr.Ack(id)
//
// # Task Lifecycle
//
//	Pending → Running → Progressed → Completed
//	                              ↘ Failed
//
// # Retention
//
// Terminal records are kept for Retention (10 minutes by default) and
// swept every GCInterval (1 minute by default), unless Ack releases them
// first. Ack publishes on <service>.tasks.<id>.ack and every executor
// serving status deletes its record of the finished task. Records that are not terminal are never swept. A KVStore uses the
// retention as its bucket TTL and the executor rewrites running records
// before it elapses.
//
// # Thread Safety
//
// Executor, Tracker, and both stores are safe for concurrent use.
package tasks
