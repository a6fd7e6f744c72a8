// Package config holds the settings of an mcpnats process: the NATS
// connection, the served or called service, async task storage, discovery
// leases, admission limits, logging and metrics.
//
// Settings are resolved in order of precedence: environment variables,
// then the config file, then defaults. Files are TOML or YAML, chosen by
// extension. Secrets may also come from a credentials.toml, which only
// fills auth fields the config left empty.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/mcpnats/bus"
	"github.com/vinayprograms/mcpnats/correlator"
	"github.com/vinayprograms/mcpnats/credentials"
	mcperr "github.com/vinayprograms/mcpnats/errors"
	"github.com/vinayprograms/mcpnats/logging"
	"github.com/vinayprograms/mcpnats/ratelimit"
	"github.com/vinayprograms/mcpnats/registry"
	"github.com/vinayprograms/mcpnats/subject"
	"github.com/vinayprograms/mcpnats/tasks"
	"github.com/vinayprograms/mcpnats/transport"
)

// Task store kinds.
const (
	StoreMemory = "memory"
	StoreKV     = "kv"
)

// Config is the complete mcpnats configuration.
type Config struct {
	NATS     NATSConfig     `toml:"nats" yaml:"nats"`
	Service  ServiceConfig  `toml:"service" yaml:"service"`
	Client   ClientConfig   `toml:"client" yaml:"client"`
	Tasks    TasksConfig    `toml:"tasks" yaml:"tasks"`
	Registry RegistryConfig `toml:"registry" yaml:"registry"`
	Limits   LimitsConfig   `toml:"limits" yaml:"limits"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// NATSConfig contains connection settings.
type NATSConfig struct {
	URL             string          `toml:"url" yaml:"url"`
	Name            string          `toml:"name" yaml:"name"`
	Token           string          `toml:"token" yaml:"token"`
	User            string          `toml:"user" yaml:"user"`
	Password        string          `toml:"password" yaml:"password"`
	CredentialsFile string          `toml:"credentials_file" yaml:"credentials_file"`
	ConnectTimeout  time.Duration   `toml:"connect_timeout" yaml:"connect_timeout"`
	Reconnect       ReconnectConfig `toml:"reconnect" yaml:"reconnect"`
}

// ReconnectConfig is the reconnect backoff.
type ReconnectConfig struct {
	Initial    time.Duration `toml:"initial" yaml:"initial"`
	Max        time.Duration `toml:"max" yaml:"max"`
	Multiplier float64       `toml:"multiplier" yaml:"multiplier"`
	// MaxAttempts of -1 retries forever.
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
}

// ServiceConfig describes the service a server instance provides, or the
// one a client calls.
type ServiceConfig struct {
	Name        string            `toml:"name" yaml:"name"`
	InstanceID  string            `toml:"instance_id" yaml:"instance_id"`
	Description string            `toml:"description" yaml:"description"`
	Version     string            `toml:"version" yaml:"version"`
	Metadata    map[string]string `toml:"metadata" yaml:"metadata"`
	// QueueGroup defaults to the service name.
	QueueGroup string `toml:"queue_group" yaml:"queue_group"`
}

// ClientConfig contains caller settings.
type ClientConfig struct {
	ID             string        `toml:"id" yaml:"id"`
	ReplyMode      string        `toml:"reply_mode" yaml:"reply_mode"`
	RequestTimeout time.Duration `toml:"request_timeout" yaml:"request_timeout"`
}

// TasksConfig contains async task settings.
type TasksConfig struct {
	Retention  time.Duration `toml:"retention" yaml:"retention"`
	GCInterval time.Duration `toml:"gc_interval" yaml:"gc_interval"`
	Store      string        `toml:"store" yaml:"store"`
	Bucket     string        `toml:"bucket" yaml:"bucket"`
}

// RegistryConfig contains discovery lease settings.
type RegistryConfig struct {
	Bucket string `toml:"bucket" yaml:"bucket"`
	// TTL is how long an instance stays listed without a refresh.
	TTL time.Duration `toml:"ttl" yaml:"ttl"`
	// Refresh is the lease refresh period, normally a third of TTL.
	Refresh time.Duration `toml:"refresh" yaml:"refresh"`
}

// LimitsConfig bounds the calls a server instance admits.
type LimitsConfig struct {
	// Methods maps a method, or "*" for every method without an entry of
	// its own, to its limit. Unlisted methods are not limited.
	Methods map[string]Limit `toml:"methods" yaml:"methods"`
	// Wait queues over-capacity calls instead of rejecting them.
	Wait bool `toml:"wait" yaml:"wait"`
	// Shared makes capacity reductions apply to every instance of the
	// service. ReduceFactor and RecoveryInterval tune shared limits only.
	Shared           bool          `toml:"shared" yaml:"shared"`
	ReduceFactor     float64       `toml:"reduce_factor" yaml:"reduce_factor"`
	RecoveryInterval time.Duration `toml:"recovery_interval" yaml:"recovery_interval"`
}

// Limit allows Capacity calls per Window.
type Limit struct {
	Capacity int           `toml:"capacity" yaml:"capacity"`
	Window   time.Duration `toml:"window" yaml:"window"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	nats := bus.DefaultNATSConfig()
	reg := registry.DefaultNATSConfig()
	return Config{
		NATS: NATSConfig{
			URL:            nats.URL,
			Name:           "mcpnats",
			ConnectTimeout: nats.ConnectTimeout,
			Reconnect: ReconnectConfig{
				Initial:     nats.Backoff.Initial,
				Max:         nats.Backoff.Max,
				Multiplier:  nats.Backoff.Multiplier,
				MaxAttempts: nats.MaxReconnects,
			},
		},
		Service: ServiceConfig{
			Name:    "mcp.service",
			Version: "0.1.0",
		},
		Client: ClientConfig{
			ReplyMode:      string(correlator.ReplyInbox),
			RequestTimeout: correlator.DefaultConfig().Timeout,
		},
		Tasks: TasksConfig{
			Retention:  tasks.DefaultRetention,
			GCInterval: tasks.DefaultGCInterval,
			Store:      StoreMemory,
			Bucket:     "mcp-tasks",
		},
		Registry: RegistryConfig{
			Bucket:  reg.BucketName,
			TTL:     reg.TTL,
			Refresh: reg.TTL / 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return invalid("service.name", "must not be empty")
	}
	if err := subject.Validate(c.Service.Name); err != nil {
		return invalid("service.name", fmt.Sprintf("%q is not a valid subject", c.Service.Name))
	}
	if c.Service.InstanceID != "" && !subject.ValidToken(c.Service.InstanceID) {
		return invalid("service.instance_id", fmt.Sprintf("%q is not a single subject token", c.Service.InstanceID))
	}
	if c.Client.ID != "" && !subject.ValidToken(c.Client.ID) {
		return invalid("client.id", fmt.Sprintf("%q is not a single subject token", c.Client.ID))
	}
	if c.Client.RequestTimeout <= 0 {
		return invalid("client.request_timeout", "must be positive")
	}
	switch correlator.ReplyMode(c.Client.ReplyMode) {
	case correlator.ReplyInbox, correlator.ReplyDurable:
	default:
		return invalid("client.reply_mode", fmt.Sprintf("unknown mode %q (want inbox or durable)", c.Client.ReplyMode))
	}

	r := c.NATS.Reconnect
	if r.Initial <= 0 {
		return invalid("nats.reconnect.initial", "must be positive")
	}
	if r.Max < r.Initial {
		return invalid("nats.reconnect.max", "must not be less than initial")
	}
	if r.Multiplier < 1 {
		return invalid("nats.reconnect.multiplier", "must be at least 1")
	}
	if c.NATS.ConnectTimeout <= 0 {
		return invalid("nats.connect_timeout", "must be positive")
	}

	switch c.Tasks.Store {
	case StoreMemory, StoreKV:
	default:
		return invalid("tasks.store", fmt.Sprintf("unknown store %q (want memory or kv)", c.Tasks.Store))
	}
	if c.Tasks.Retention <= 0 || c.Tasks.GCInterval <= 0 {
		return invalid("tasks", "retention and gc_interval must be positive")
	}

	if c.Registry.TTL < 0 {
		return invalid("registry.ttl", "must not be negative")
	}
	if c.Registry.Refresh <= 0 {
		return invalid("registry.refresh", "must be positive")
	}
	if c.Registry.TTL > 0 && c.Registry.Refresh >= c.Registry.TTL {
		return invalid("registry.refresh", "must be shorter than ttl")
	}

	for method, l := range c.Limits.Methods {
		field := "limits.methods." + method
		if method != ratelimit.AnyMethod && !subject.ValidToken(method) {
			return invalid(field, "not a method name or \"*\"")
		}
		if l.Capacity <= 0 || l.Window <= 0 {
			return invalid(field, "capacity and window must be positive")
		}
	}
	if c.Limits.ReduceFactor < 0 || c.Limits.ReduceFactor >= 1 {
		return invalid("limits.reduce_factor", "must be in [0, 1)")
	}
	if c.Limits.RecoveryInterval < 0 {
		return invalid("limits.recovery_interval", "must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	switch logging.Format(strings.ToLower(c.Log.Format)) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q (want console or json)", c.Log.Format))
	}
	return nil
}

func invalid(field, msg string) error {
	return mcperr.InvalidInput(field+": "+msg, mcperr.WithMetadata("field", field))
}

// ApplyCredentials fills auth fields left empty from a credentials file
// section. A nil creds still consults the environment.
func (c *Config) ApplyCredentials(creds *credentials.Credentials, section string) {
	if c.NATS.Token != "" || c.NATS.User != "" || c.NATS.CredentialsFile != "" {
		return
	}
	got := creds.Get(section)
	c.NATS.Token = got.Token
	c.NATS.User = got.User
	c.NATS.Password = got.Password
	c.NATS.CredentialsFile = got.CredsFile
}

// InstanceID returns the configured instance id, generating and keeping
// one on first use.
func (c *Config) InstanceID() string {
	if c.Service.InstanceID == "" {
		c.Service.InstanceID = uuid.NewString()
	}
	return c.Service.InstanceID
}

// Logger builds the root logger.
func (c *Config) Logger() *logging.Logger {
	log := logging.New()
	if level, err := logging.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if strings.EqualFold(c.Log.Format, string(logging.FormatJSON)) {
		log.SetFormat(logging.FormatJSON)
	}
	return log
}

// Bus returns the connection settings for bus.Connect.
func (c *Config) Bus(log *logging.Logger) bus.NATSConfig {
	cfg := bus.DefaultNATSConfig()
	cfg.URL = c.NATS.URL
	cfg.Name = c.NATS.Name
	cfg.Token = c.NATS.Token
	cfg.User = c.NATS.User
	cfg.Password = c.NATS.Password
	cfg.CredentialsFile = c.NATS.CredentialsFile
	cfg.ConnectTimeout = c.NATS.ConnectTimeout
	cfg.Backoff = bus.Backoff{
		Initial:    c.NATS.Reconnect.Initial,
		Max:        c.NATS.Reconnect.Max,
		Multiplier: c.NATS.Reconnect.Multiplier,
	}
	cfg.MaxReconnects = c.NATS.Reconnect.MaxAttempts
	cfg.Logger = log
	return cfg
}

// Server returns the serving side settings.
func (c *Config) Server(log *logging.Logger) transport.ServerConfig {
	return transport.ServerConfig{
		Config:     transport.DefaultConfig(),
		Service:    c.Service.Name,
		InstanceID: c.InstanceID(),
		QueueGroup: c.Service.QueueGroup,
		Logger:     log,
	}
}

// ClientConn returns the settings for transport.Dial. Calls survive a
// disconnect for one cycle of the configured reconnect backoff.
func (c *Config) ClientConn(log *logging.Logger) transport.ClientConfig {
	return transport.ClientConfig{
		Config:          transport.DefaultConfig(),
		Service:         c.Service.Name,
		ClientID:        c.Client.ID,
		Timeout:         c.Client.RequestTimeout,
		ReplyMode:       correlator.ReplyMode(c.Client.ReplyMode),
		DisconnectGrace: correlator.GraceFor(c.Bus(log).Backoff, c.NATS.ConnectTimeout),
		Logger:          log,
	}
}

// Executor returns async task settings. The caller supplies the store when
// Tasks.Store is kv.
func (c *Config) Executor(log *logging.Logger) tasks.ExecutorConfig {
	return tasks.ExecutorConfig{
		Service:    c.Service.Name,
		Retention:  c.Tasks.Retention,
		GCInterval: c.Tasks.GCInterval,
		Logger:     log,
	}
}

// Tracker returns client-side task tracking settings.
func (c *Config) Tracker(log *logging.Logger) tasks.TrackerConfig {
	return tasks.TrackerConfig{
		Retention:  c.Tasks.Retention,
		GCInterval: c.Tasks.GCInterval,
		Logger:     log,
	}
}

// TaskKV returns the KV store settings, without a connection.
func (c *Config) TaskKV() tasks.KVConfig {
	return tasks.KVConfig{
		Bucket:    c.Tasks.Bucket,
		Retention: c.Tasks.Retention,
	}
}

// RegistryNATS returns the discovery bucket settings.
func (c *Config) RegistryNATS(log *logging.Logger) registry.NATSConfig {
	cfg := registry.DefaultNATSConfig()
	cfg.BucketName = c.Registry.Bucket
	cfg.TTL = c.Registry.TTL
	cfg.Logger = log
	return cfg
}

// Limiter builds the admission limiter of a server instance, or returns
// nil when no limits are configured. A shared limiter listens on b.
func (c *Config) Limiter(b bus.MessageBus, log *logging.Logger) (ratelimit.Limiter, error) {
	if len(c.Limits.Methods) == 0 {
		return nil, nil
	}

	var l ratelimit.Limiter
	if c.Limits.Shared {
		dl, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
			Bus:              b,
			Service:          c.Service.Name,
			InstanceID:       c.InstanceID(),
			ReduceFactor:     c.Limits.ReduceFactor,
			RecoveryInterval: c.Limits.RecoveryInterval,
			Logger:           log,
		})
		if err != nil {
			return nil, err
		}
		l = dl
	} else {
		l = ratelimit.NewMemoryLimiter()
	}
	for method, lim := range c.Limits.Methods {
		l.SetCapacity(method, lim.Capacity, lim.Window)
	}
	return l, nil
}

// Descriptor returns the discovery record of this instance.
func (c *Config) Descriptor(methods []string) registry.ServiceDescriptor {
	meta := make(map[string]string, len(c.Service.Metadata))
	for k, v := range c.Service.Metadata {
		meta[k] = v
	}
	return registry.ServiceDescriptor{
		Service:     c.Service.Name,
		InstanceID:  c.InstanceID(),
		Description: c.Service.Description,
		Version:     c.Service.Version,
		Metadata:    meta,
		Methods:     methods,
	}
}
