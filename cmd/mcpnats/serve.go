package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/config"
	"github.com/vinayprograms/mcpnats/heartbeat"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/mcptransport"
	"github.com/vinayprograms/mcpnats/metrics"
	"github.com/vinayprograms/mcpnats/ratelimit"
	"github.com/vinayprograms/mcpnats/registry"
	"github.com/vinayprograms/mcpnats/shutdown"
	"github.com/vinayprograms/mcpnats/tasks"
	"github.com/vinayprograms/mcpnats/transport"
)

type serveOptions struct {
	mcp             bool
	noAnnounce      bool
	shutdownTimeout time.Duration
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built-in methods as one instance of a service",
		Long: `Join the service queue group and answer calls until SIGINT or SIGTERM.

The default mode serves raw JSON-RPC methods: echo, fail, and sleep, which
runs as an async task when called with a _callback. With --mcp an MCP SDK
server with an echo tool is served instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "serve an MCP SDK server instead of raw JSON-RPC methods")
	cmd.Flags().BoolVar(&opts.noAnnounce, "no-announce", false, "skip the registry lease and micro service")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 30*time.Second, "bound on graceful shutdown")
	return cmd
}

func runServe(parent context.Context, cfg config.Config, log *logging.Logger, opts *serveOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         opts.shutdownTimeout,
		DefaultPhase:    shutdown.PhaseTransport,
		ContinueOnError: true,
		Logger:          log,
	})
	ctx, stop := coord.HandleSignals(parent)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	busCfg := cfg.Bus(log)
	busCfg.Metrics = m
	b, err := bus.Connect(ctx, busCfg)
	if err != nil {
		return err
	}
	coord.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseTransport)

	// Everything below is unwound by the coordinator, including on a
	// failed startup.
	serveErr := startServing(ctx, cfg, log, opts, b, m, promReg, coord)

	if err := coord.Shutdown(context.Background()); err != nil && !errors.Is(err, shutdown.ErrAlreadyShutdown) {
		log.Warn("shutdown incomplete", map[string]interface{}{"error": err.Error()})
		if serveErr == nil {
			serveErr = err
		}
	}
	<-coord.Done()
	return serveErr
}

func startServing(ctx context.Context, cfg config.Config, log *logging.Logger, opts *serveOptions,
	b *bus.NATSBus, m *metrics.Metrics, promReg *prometheus.Registry, coord *shutdown.Coordinator) error {

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	srvCfg := cfg.Server(log)
	srvCfg.Metrics = m

	var (
		methods []string
		stats   registry.StatsSource
	)

	if opts.mcp {
		ss, err := newMCPServer(version).Connect(ctx, &mcptransport.ServerTransport{Bus: b, Config: srvCfg}, mcptransport.SharedSessionOptions())
		if err != nil {
			return err
		}
		coord.RegisterWithPhase("server", shutdown.Closer(ss), shutdown.PhaseIntake)
		methods = mcpMethods

		g.Go(func() error {
			defer cancel()
			if err := ss.Wait(); err != nil && !errors.Is(err, mcp.ErrConnectionClosed) && gctx.Err() == nil {
				return err
			}
			return nil
		})
	} else {
		exec, err := newExecutor(ctx, cfg, log, b, m, coord)
		if err != nil {
			return err
		}
		mux := demoMux(exec)
		if err := limit(cfg, log, b, m, mux, coord); err != nil {
			return err
		}

		srv, err := transport.Listen(b, srvCfg)
		if err != nil {
			return err
		}
		coord.RegisterWithPhase("server", shutdown.Closer(srv), shutdown.PhaseIntake)
		methods = mux.Methods()
		stats = srv

		g.Go(func() error {
			defer cancel()
			if err := transport.Serve(gctx, srv, mux, transport.WithServeLogger(log), transport.WithServeMetrics(m)); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if !opts.noAnnounce {
		if err := announce(ctx, cfg, log, b, methods, stats, coord); err != nil {
			return err
		}
	}

	if cfg.Metrics.Addr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsHandler(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		coord.RegisterFunc("metrics", shutdown.PhaseTransport, httpSrv.Shutdown)
		g.Go(func() error {
			log.Info("metrics listening", map[string]interface{}{"addr": cfg.Metrics.Addr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	log.Info("serving", map[string]interface{}{
		"service":  cfg.Service.Name,
		"instance": cfg.Service.InstanceID,
		"mcp":      opts.mcp,
	})
	return g.Wait()
}

// newExecutor builds the async task executor on the configured store and
// starts answering status polls.
func newExecutor(ctx context.Context, cfg config.Config, log *logging.Logger, b *bus.NATSBus,
	m *metrics.Metrics, coord *shutdown.Coordinator) (*tasks.Executor, error) {

	execCfg := cfg.Executor(log)
	execCfg.Metrics = m

	if cfg.Tasks.Store == config.StoreKV {
		kvCfg := cfg.TaskKV()
		kvCfg.Conn = b.Conn()
		store, err := tasks.NewKVStore(ctx, kvCfg)
		if err != nil {
			return nil, err
		}
		// The executor does not own a store it was given.
		coord.RegisterWithPhase("task-store", shutdown.Closer(store), shutdown.PhaseClients)
		execCfg.Store = store
	}

	exec, err := tasks.NewExecutor(b, execCfg)
	if err != nil {
		return nil, err
	}
	coord.RegisterWithPhase("tasks", shutdown.Closer(exec), shutdown.PhaseTasks)
	if err := exec.ServeStatus(); err != nil {
		return nil, err
	}
	return exec, nil
}

// limit applies the configured admission limits to every method of mux.
func limit(cfg config.Config, log *logging.Logger, b bus.MessageBus, m *metrics.Metrics,
	mux *transport.Mux, coord *shutdown.Coordinator) error {

	l, err := cfg.Limiter(b, log)
	if err != nil || l == nil {
		return err
	}
	coord.RegisterWithPhase("limiter", shutdown.Closer(l), shutdown.PhaseClients)
	ratelimit.Limit(mux, l, ratelimit.MiddlewareConfig{
		Wait:    cfg.Limits.Wait,
		Metrics: m,
		Logger:  log,
	})
	return nil
}

// announce keeps the instance listed in the registry bucket and
// registers it as a micro service.
func announce(ctx context.Context, cfg config.Config, log *logging.Logger, b *bus.NATSBus,
	methods []string, stats registry.StatsSource, coord *shutdown.Coordinator) error {

	desc := cfg.Descriptor(methods)

	reg, err := registry.NewNATSRegistry(b.Conn(), cfg.RegistryNATS(log))
	if err != nil {
		return err
	}
	coord.RegisterWithPhase("registry", shutdown.Closer(reg), shutdown.PhaseClients)

	senderCfg := heartbeat.DefaultSenderConfig()
	senderCfg.Registry = reg
	senderCfg.Descriptor = desc
	senderCfg.Interval = cfg.Registry.Refresh
	senderCfg.Stats = stats
	senderCfg.Logger = log
	sender, err := heartbeat.NewSender(senderCfg)
	if err != nil {
		return err
	}
	if err := sender.Start(ctx); err != nil {
		return err
	}
	coord.RegisterFunc("lease", shutdown.PhaseAnnounce, func(context.Context) error {
		return sender.Stop()
	})

	ann, err := registry.Announce(b.Conn(), desc, stats)
	if err != nil {
		return err
	}
	coord.RegisterFunc("micro", shutdown.PhaseAnnounce, func(context.Context) error {
		return ann.Stop()
	})
	log.Debug("announced", map[string]interface{}{"micro_id": ann.ID()})
	return nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
