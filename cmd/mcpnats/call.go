package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpnats/bus"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/tasks"
	"github.com/vinayprograms/mcpnats/transport"
)

type callOptions struct {
	async      bool
	noProgress bool
	timeout    time.Duration
	replyMode  string
}

func newCallCmd(root *rootOptions) *cobra.Command {
	opts := &callOptions{}
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method on a service and print the result",
		Example: `  mcpnats call echo '{"text":"hi"}'
  mcpnats call sleep '{"seconds":3,"steps":6}' --async`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return mcperr.InvalidInput("params must be valid JSON")
				}
			}

			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if opts.timeout > 0 {
				cfg.Client.RequestTimeout = opts.timeout
			}
			if opts.replyMode != "" {
				cfg.Client.ReplyMode = opts.replyMode
			}

			ctx := cmd.Context()
			return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
				conn, err := transport.Dial(b, cfg.ClientConn(log))
				if err != nil {
					return err
				}
				defer conn.Close()

				if !opts.async {
					result, err := conn.Call(ctx, args[0], params)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), result)
				}

				tracker, err := tasks.NewTracker(conn, cfg.Tracker(log))
				if err != nil {
					return err
				}
				defer tracker.Close()
				return callAsync(ctx, cmd.OutOrStdout(), tracker, args[0], params, !opts.noProgress)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.async, "async", false, "call with a _callback and follow the task")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "ask the server to skip progress updates")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "request timeout (default from config)")
	cmd.Flags().StringVar(&opts.replyMode, "reply-mode", "", "inbox or durable")
	return cmd
}

// callAsync starts a task, prints each snapshot as it arrives and then
// the result.
func callAsync(ctx context.Context, w io.Writer, tracker *tasks.Tracker, method string, params json.RawMessage, progress bool) error {
	var p interface{}
	if len(params) > 0 {
		p = params
	}
	id, err := tracker.CallAsync(ctx, method, p, tasks.WithProgress(progress))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "task %s accepted\n", id)

	updates, err := tracker.Progress(id)
	if err != nil {
		return err
	}
	for done := false; !done; {
		select {
		case snap, ok := <-updates:
			if !ok {
				done = true
				break
			}
			printTask(w, &snap)
		case <-ctx.Done():
			_ = tracker.Cancel(id)
			return mcperr.Wrap(ctx.Err(), "follow task", mcperr.WithTaskID(id))
		}
	}

	result, err := tracker.GetResult(ctx, id)
	if err != nil {
		return err
	}
	if err := printJSON(w, result); err != nil {
		return err
	}
	return tracker.Ack(id)
}

func newTaskCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "task <task-id>",
		Short: "Poll the status of an async task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
				conn, err := transport.Dial(b, cfg.ClientConn(log))
				if err != nil {
					return err
				}
				defer conn.Close()

				tracker, err := tasks.NewTracker(conn, cfg.Tracker(log))
				if err != nil {
					return err
				}
				defer tracker.Close()

				task, err := tracker.Poll(ctx, args[0])
				if err != nil {
					return err
				}
				printTask(cmd.OutOrStdout(), task)
				if len(task.Result) > 0 {
					return printJSON(cmd.OutOrStdout(), task.Result)
				}
				return nil
			})
		},
	}
}

func printTask(w io.Writer, t *tasks.Task) {
	switch {
	case t.Status == tasks.StatusFailed && t.Error != nil:
		fmt.Fprintf(w, "[%s] %s: %s (code %d)\n", t.ID, t.Status, t.Error.Message, t.Error.Code)
	case t.Message != "":
		fmt.Fprintf(w, "[%s] %s %3.0f%% %s\n", t.ID, t.Status, t.Fraction()*100, t.Message)
	default:
		fmt.Fprintf(w, "[%s] %s %3.0f%%\n", t.ID, t.Status, t.Fraction()*100)
	}
}

// printJSON writes raw indented, or as-is when it is not valid JSON.
func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
