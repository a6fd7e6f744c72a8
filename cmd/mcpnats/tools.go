package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/config"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/mcptransport"
)

func newToolsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call MCP tools of a service through the MCP SDK",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the tools a service offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), root, func(ctx context.Context, cs *mcp.ClientSession) error {
				res, err := cs.ListTools(ctx, nil)
				if err != nil {
					return err
				}
				return printTools(cmd.OutOrStdout(), res.Tools)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "call <tool> [arguments-json]",
		Short:   "Call a tool and print its content",
		Example: `  mcpnats tools call echo '{"text":"hi"}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return mcperr.InvalidInput("arguments must be a JSON object", mcperr.WithCause(err))
				}
			}
			return withSession(cmd.Context(), root, func(ctx context.Context, cs *mcp.ClientSession) error {
				res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: args[0], Arguments: arguments})
				if err != nil {
					return err
				}
				return printToolResult(cmd.OutOrStdout(), res)
			})
		},
	})
	return cmd
}

// withSession opens an MCP client session to the configured service.
func withSession(ctx context.Context, root *rootOptions, fn func(context.Context, *mcp.ClientSession) error) error {
	cfg, log, err := root.load()
	if err != nil {
		return err
	}
	return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
		return runSession(ctx, b, cfg, log, fn)
	})
}

func runSession(ctx context.Context, b bus.MessageBus, cfg config.Config, log *logging.Logger, fn func(context.Context, *mcp.ClientSession) error) error {
	client := mcp.NewClient(&mcp.Implementation{Name: "mcpnats", Version: version}, nil)
	cs, err := client.Connect(ctx, &mcptransport.ClientTransport{Bus: b, Config: cfg.ClientConn(log)}, nil)
	if err != nil {
		return err
	}
	defer cs.Close()
	return fn(ctx, cs)
}

func printTools(w io.Writer, tools []*mcp.Tool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
	}
	return tw.Flush()
}

func printToolResult(w io.Writer, res *mcp.CallToolResult) error {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			fmt.Fprintln(w, tc.Text)
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}
	if res.IsError {
		return mcperr.Application(-32000, "tool reported an error")
	}
	return nil
}
