// Command mcpnats serves and calls JSON-RPC (MCP) services over NATS.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/config"
	"github.com/vinayprograms/mcpnats/credentials"
	"github.com/vinayprograms/mcpnats/logging"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "0.1.0"
	commit  = "dev"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath   string
	credsSection string
	url          string
	service      string
	logLevel     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mcpnats",
		Short:         "JSON-RPC (MCP) transport over NATS",
		Long:          "Serve, call and discover JSON-RPC and MCP services whose messages travel over NATS subjects.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (.toml or .yaml); default searches ./mcpnats.* and ~/.config/mcpnats")
	flags.StringVar(&opts.credsSection, "credentials", "", "credentials.toml section to use for NATS auth")
	flags.StringVar(&opts.url, "url", "", "NATS server URL (overrides config and NATS_URL)")
	flags.StringVarP(&opts.service, "service", "s", "", "service name (overrides config and NATS_SERVICE_NAME)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(opts),
		newCallCmd(opts),
		newTaskCmd(opts),
		newToolsCmd(opts),
		newServicesCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load resolves configuration: file, environment, credentials, then flags.
func (o *rootOptions) load() (config.Config, *logging.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, _, err = config.LoadWithDefaults()
	}
	if err != nil {
		return cfg, nil, err
	}

	creds, _, err := credentials.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("load credentials: %w", err)
	}
	cfg.ApplyCredentials(creds, o.credsSection)

	if o.url != "" {
		cfg.NATS.URL = o.url
	}
	if o.service != "" {
		cfg.Service.Name = o.service
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, cfg.Logger(), nil
}

// connect dials NATS with cfg. The caller closes the bus.
func connect(ctx context.Context, cfg config.Config, log *logging.Logger) (*bus.NATSBus, error) {
	return bus.Connect(ctx, cfg.Bus(log))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcpnats %s (%s)\n", version, commit)
		},
	}
}
