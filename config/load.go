package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/mcpnats/logging"
)

// ErrUnsupportedFormat is returned for a config file that is neither TOML
// nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Loader resolves configuration with precedence ENV > File > Defaults.
type Loader struct {
	path string
	log  *logging.Logger

	// ConsumedEnv lists the environment variables that changed a setting.
	ConsumedEnv []string
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment only.
func NewLoader(path string, log *logging.Logger) *Loader {
	return &Loader{
		path: path,
		log:  logging.OrNop(log).WithComponent("config"),
	}
}

// Load parses the file strictly, applies the environment and validates.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := decodeFile(l.path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		l.log.Debug("config file loaded", map[string]interface{}{"path": l.path})
	}

	consumed, err := applyEnv(&cfg, l.log)
	if err != nil {
		return cfg, err
	}
	l.ConsumedEnv = consumed

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads path with environment overrides.
func Load(path string) (Config, error) {
	return NewLoader(path, nil).Load()
}

// SearchPaths returns the default config locations in order of priority.
func SearchPaths() []string {
	paths := []string{
		"mcpnats.toml",
		"mcpnats.yaml",
		"mcpnats.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".config", "mcpnats")
		paths = append(paths,
			filepath.Join(dir, "mcpnats.toml"),
			filepath.Join(dir, "mcpnats.yaml"),
		)
	}
	return append(paths, "/etc/mcpnats/mcpnats.toml", "/etc/mcpnats/mcpnats.yaml")
}

// Find returns the first existing default config file, or "" when there
// is none.
func Find() string {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadWithDefaults loads the first file from SearchPaths. No file is not
// an error: defaults and environment apply.
func LoadWithDefaults() (Config, string, error) {
	path := Find()
	cfg, err := Load(path)
	return cfg, path, err
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return decodeTOML(data, cfg)
	case ".yaml", ".yml":
		return decodeYAML(data, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// decodeTOML rejects keys that map to no field.
func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// decodeYAML rejects keys that map to no field.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}
