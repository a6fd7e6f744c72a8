package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/tasks"
	"github.com/vinayprograms/mcpnats/transport"
)

// sleepParams drives the "sleep" method: Steps progress reports spread
// over Seconds.
type sleepParams struct {
	Seconds float64 `json:"seconds"`
	Steps   int     `json:"steps"`
}

type sleepResult struct {
	Slept string `json:"slept"`
	Steps int    `json:"steps"`
}

// demoMux serves the built-in methods. "echo" returns its params, "sleep"
// may run as an async task and reports progress, "fail" returns an
// application error with the requested code.
func demoMux(exec *tasks.Executor) *transport.Mux {
	mux := transport.NewMux()
	mux.HandleFunc("echo", func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
		if len(params) == 0 {
			return json.RawMessage("null"), nil
		}
		return params, nil
	})
	mux.HandleFunc("fail", func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, mcperr.InvalidInput("fail: params must be an object", mcperr.WithCause(err))
			}
		}
		if p.Code == 0 {
			p.Code = -32000
		}
		if p.Message == "" {
			p.Message = "requested failure"
		}
		return nil, mcperr.Application(p.Code, p.Message)
	})
	mux.Handle("sleep", exec.Wrap("sleep", sleep))
	return mux
}

func sleep(ctx context.Context, params json.RawMessage, report tasks.Reporter) (interface{}, error) {
	p := sleepParams{Seconds: 1, Steps: 4}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, mcperr.InvalidInput("sleep: params must be an object", mcperr.WithCause(err))
		}
	}
	if p.Seconds < 0 || p.Steps < 0 {
		return nil, mcperr.InvalidInput("sleep: seconds and steps must not be negative")
	}
	if p.Steps == 0 {
		p.Steps = 1
	}

	total := time.Duration(p.Seconds * float64(time.Second))
	step := total / time.Duration(p.Steps)
	timer := time.NewTimer(step)
	defer timer.Stop()

	for i := 1; i <= p.Steps; i++ {
		select {
		case <-ctx.Done():
			return nil, mcperr.Wrap(ctx.Err(), "sleep interrupted")
		case <-timer.C:
		}
		if err := report.Report(float64(i), float64(p.Steps), fmt.Sprintf("step %d of %d", i, p.Steps)); err != nil {
			return nil, err
		}
		timer.Reset(step)
	}
	return sleepResult{Slept: total.String(), Steps: p.Steps}, nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to return"`
}

// mcpMethods are the methods an MCP SDK server answers.
var mcpMethods = []string{"initialize", "ping", "tools/list", "tools/call"}

// newMCPServer returns an SDK server with an echo tool.
func newMCPServer(version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "mcpnats", Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "returns its input"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, echoArgs, error) {
			return nil, in, nil
		})
	return server
}
