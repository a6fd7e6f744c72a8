// Package ratelimit admits calls to the methods of a service with token
// buckets, so an instance sheds load instead of queueing without bound.
//
// Each method may have its own bucket; AnyMethod is a service-wide bucket
// for methods without one. Methods with neither are not limited.
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("tools/call", 60, time.Minute)
//	limiter.SetCapacity(ratelimit.AnyMethod, 600, time.Minute)
//	ratelimit.Limit(mux, limiter, ratelimit.MiddlewareConfig{})
//
// A rejected call fails with RATE_LIMITED (JSON-RPC code -32015), which
// callers see as a transient error.
//
// # Shared reductions
//
// A handler that hits an overloaded dependency returns a RATE_LIMITED
// error. The middleware then calls Reduce for that method. The
// DistributedLimiter publishes the reduced capacity on
// <service>.ratelimit.capacity, so every instance of the service backs
// off together, and each grows back toward its configured capacity after
// RecoveryInterval:
//
//	limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
//	    Bus:        nbus,
//	    Service:    "mcp.service",
//	    InstanceID: "a1",
//	})
//
// # Algorithm
//
// A bucket holds up to capacity tokens and credits one token every
// window/capacity. Each admitted call takes a token; Release only tracks
// calls in flight and returns nothing to the bucket.
package ratelimit
