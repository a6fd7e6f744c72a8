package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/config"
	"github.com/vinayprograms/mcpnats/heartbeat"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/registry"
)

func newServicesCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"svc"},
		Short:   "Discover service instances",
	}
	cmd.AddCommand(
		newServicesListCmd(root),
		newServicesSearchCmd(root),
		newServicesPingCmd(root),
		newServicesDescribeCmd(root),
		newServicesWatchCmd(root),
	)
	return cmd
}

// withRegistry opens the discovery bucket.
func withRegistry(ctx context.Context, root *rootOptions, fn func(*registry.NATSRegistry, config.Config, *logging.Logger) error) error {
	cfg, log, err := root.load()
	if err != nil {
		return err
	}
	return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
		reg, err := registry.NewNATSRegistry(b.Conn(), cfg.RegistryNATS(log))
		if err != nil {
			return err
		}
		defer reg.Close()
		return fn(reg, cfg, log)
	})
}

func newServicesListCmd(root *rootOptions) *cobra.Command {
	var (
		method string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), root, func(reg *registry.NATSRegistry, cfg config.Config, _ *logging.Logger) error {
				filter := &registry.Filter{Method: method}
				if !all {
					filter.Service = cfg.Service.Name
				}
				descs, err := reg.List(filter)
				if err != nil {
					return err
				}
				return printDescriptors(cmd.OutOrStdout(), descs)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "only instances serving this method")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "every service, not only the configured one")
	return cmd
}

func newServicesSearchCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over registered instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), root, func(reg *registry.NATSRegistry, _ config.Config, _ *logging.Logger) error {
				descs, err := reg.List(nil)
				if err != nil {
					return err
				}
				idx, err := registry.NewIndex()
				if err != nil {
					return err
				}
				defer idx.Close()
				if err := idx.Load(descs); err != nil {
					return err
				}

				hits, err := idx.Search(strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				return printHits(cmd.OutOrStdout(), hits)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	return cmd
}

func newServicesPingCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "ping [service]",
		Short: "Ping every instance of a service through the micro API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			service := cfg.Service.Name
			if len(args) == 1 {
				service = args[0]
			}
			ctx := cmd.Context()
			return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
				res, err := registry.Ping(ctx, b, service, wait)
				if err != nil {
					return err
				}
				return printPing(cmd.OutOrStdout(), service, res)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", registry.DefaultPingWait, "how long to collect replies")
	return cmd
}

func newServicesDescribeCmd(root *rootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "describe [service]",
		Short: "Ask every live instance of a service for its descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			service := cfg.Service.Name
			if len(args) == 1 {
				service = args[0]
			}
			ctx := cmd.Context()
			return bus.WithConnection(ctx, cfg.Bus(log), func(b *bus.NATSBus) error {
				descs, err := registry.Describe(ctx, b, service, wait)
				if err != nil {
					return err
				}
				return printDescriptors(cmd.OutOrStdout(), descs)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", registry.DefaultPingWait, "how long to collect replies")
	return cmd
}

func newServicesWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow instances joining, refreshing, leaving and going silent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withRegistry(ctx, root, func(reg *registry.NATSRegistry, cfg config.Config, log *logging.Logger) error {
				return watch(ctx, cmd.OutOrStdout(), reg, cfg.Registry.TTL, log)
			})
		},
	}
}

// watch prints registry events and lease expiries until ctx is done.
func watch(ctx context.Context, w io.Writer, reg registry.Registry, ttl time.Duration, log *logging.Logger) error {
	events, err := reg.Watch()
	if err != nil {
		return err
	}

	monCfg := heartbeat.DefaultMonitorConfig()
	monCfg.Registry = reg
	if ttl > 0 {
		monCfg.Timeout = ttl
	}
	monCfg.Logger = log
	mon, err := heartbeat.NewMonitor(monCfg)
	if err != nil {
		return err
	}
	dead := make(chan registry.ServiceDescriptor, 16)
	mon.OnDead(func(d registry.ServiceDescriptor) {
		select {
		case dead <- d:
		default:
		}
	})
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "%s %-8s %s\n", time.Now().Format(time.TimeOnly), ev.Type, ev.Descriptor.Key())
		case d := <-dead:
			fmt.Fprintf(w, "%s %-8s %s (no refresh for %s)\n", time.Now().Format(time.TimeOnly), "silent", d.Key(), monCfg.Timeout)
		}
	}
}

func printDescriptors(w io.Writer, descs []registry.ServiceDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tINSTANCE\tVERSION\tMETHODS\tLAST SEEN")
	for _, d := range descs {
		methods := append([]string(nil), d.Methods...)
		sort.Strings(methods)
		lastSeen := "-"
		if !d.LastSeen.IsZero() {
			lastSeen = d.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Service, d.InstanceID, d.Version, strings.Join(methods, ","), lastSeen)
	}
	return tw.Flush()
}

func printHits(w io.Writer, hits []registry.SearchHit) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tSERVICE\tINSTANCE\tDESCRIPTION")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", h.Score, h.Descriptor.Service, h.Descriptor.InstanceID, h.Descriptor.Description)
	}
	return tw.Flush()
}

func printPing(w io.Writer, service string, res registry.PingResult) error {
	if res.Count() == 0 {
		_, err := fmt.Fprintf(w, "no instances of %s answered\n", service)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tVERSION\tRTT")
	for _, r := range res.Replies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.ID, r.Version, r.RTT.Round(time.Microsecond))
	}
	fmt.Fprintf(tw, "\n%d instance(s), average %s\n", res.Count(), res.AverageRTT().Round(time.Microsecond))
	return tw.Flush()
}
