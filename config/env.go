package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/mcpnats/credentials"
	"github.com/vinayprograms/mcpnats/logging"
)

// Environment variables that override file settings.
const (
	EnvURL            = "NATS_URL"
	EnvServiceName    = "NATS_SERVICE_NAME"
	EnvClientID       = "NATS_CLIENT_ID"
	EnvQueueGroup     = "NATS_QUEUE_GROUP"
	EnvRequestTimeout = "NATS_REQUEST_TIMEOUT"
	EnvLogLevel       = "MCPNATS_LOG_LEVEL"
)

type envString struct {
	key string
	dst func(*Config) *string
}

var stringVars = []envString{
	{EnvURL, func(c *Config) *string { return &c.NATS.URL }},
	{EnvServiceName, func(c *Config) *string { return &c.Service.Name }},
	{EnvClientID, func(c *Config) *string { return &c.Client.ID }},
	{EnvQueueGroup, func(c *Config) *string { return &c.Service.QueueGroup }},
	{credentials.EnvToken, func(c *Config) *string { return &c.NATS.Token }},
	{credentials.EnvUser, func(c *Config) *string { return &c.NATS.User }},
	{credentials.EnvPassword, func(c *Config) *string { return &c.NATS.Password }},
	{credentials.EnvCredsFile, func(c *Config) *string { return &c.NATS.CredentialsFile }},
	{EnvLogLevel, func(c *Config) *string { return &c.Log.Level }},
}

// applyEnv overrides cfg from the environment and returns the variables
// it used. Empty variables are ignored.
func applyEnv(cfg *Config, log *logging.Logger) ([]string, error) {
	var consumed []string

	for _, v := range stringVars {
		value, ok := os.LookupEnv(v.key)
		if !ok || value == "" {
			continue
		}
		*v.dst(cfg) = value
		consumed = append(consumed, v.key)
		logSource(log, v.key, value)
	}

	if raw, ok := os.LookupEnv(EnvRequestTimeout); ok && raw != "" {
		d, err := parseSeconds(raw)
		if err != nil {
			return consumed, fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		cfg.Client.RequestTimeout = d
		consumed = append(consumed, EnvRequestTimeout)
		logSource(log, EnvRequestTimeout, raw)
	}
	return consumed, nil
}

// parseSeconds reads a float number of seconds, e.g. "2.5". A Go duration
// such as "2500ms" is accepted too.
func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("timeout must be positive, got %q", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", raw)
	}
	return d, nil
}

func logSource(log *logging.Logger, key, value string) {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "token") || strings.Contains(lower, "password") || strings.Contains(lower, "creds") {
		log.Debug("using environment variable", map[string]interface{}{"key": key, "sensitive": true})
		return
	}
	log.Debug("using environment variable", map[string]interface{}{"key": key, "value": value})
}
