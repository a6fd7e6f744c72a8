package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/transport"
)

// MiddlewareConfig configures Handler and Limit.
type MiddlewareConfig struct {
	// Wait queues over-capacity calls until a token is credited or the
	// call's context ends. Without it they fail at once with RATE_LIMITED.
	Wait bool

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Handler admits each call to method through l before passing it to h.
// A handler error with code RATE_LIMITED reduces the method's capacity.
func Handler(l Limiter, method string, h transport.Handler, cfg MiddlewareConfig) transport.Handler {
	log := logging.OrNop(cfg.Logger).WithComponent("ratelimit")
	return transport.HandlerFunc(func(ctx context.Context, m string, params json.RawMessage) (interface{}, error) {
		if err := admit(ctx, l, method, cfg.Wait); err != nil {
			cfg.Metrics.IncRateLimited(method)
			log.Debug("call rejected", map[string]interface{}{"method": method, "error": err.Error()})
			return nil, err
		}
		defer l.Release(method)

		result, err := h.Handle(ctx, m, params)
		if mcperr.Is(err, mcperr.ErrCodeRateLimited) {
			l.Reduce(method, err.Error())
		}
		return result, err
	})
}

func admit(ctx context.Context, l Limiter, method string, wait bool) error {
	if !wait {
		if l.TryAcquire(method) {
			return nil
		}
		return mcperr.RateLimited(fmt.Sprintf("method %s is over capacity", method),
			mcperr.WithMetadata("method", method))
	}
	if err := l.Acquire(ctx, method); err != nil {
		return mcperr.RateLimited(fmt.Sprintf("method %s is over capacity", method),
			mcperr.WithMetadata("method", method),
			mcperr.WithCause(err))
	}
	return nil
}

// Limit wraps every method currently bound in mux with Handler.
// Methods bound afterwards are not limited.
func Limit(mux *transport.Mux, l Limiter, cfg MiddlewareConfig) {
	for _, method := range mux.Methods() {
		h, ok := mux.Lookup(method)
		if !ok {
			continue
		}
		mux.Handle(method, Handler(l, method, h, cfg))
	}
}
