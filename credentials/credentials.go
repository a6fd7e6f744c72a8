// Package credentials loads NATS secrets from standard locations.
//
// A credentials file keeps tokens and passwords out of the main config so
// the config can be checked in. Sections are named after a deployment:
//
//	[nats]
//	token = "s3cr3t"
//
//	[prod]
//	creds_file = "/etc/mcpnats/prod.creds"
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// DefaultSection is the fallback section used when a named one is missing
// or incomplete.
const DefaultSection = "nats"

// Environment variables consulted after the file.
const (
	EnvToken     = "NATS_TOKEN"
	EnvUser      = "NATS_USER"
	EnvPassword  = "NATS_PASSWORD"
	EnvCredsFile = "NATS_CREDS"
)

// Credentials holds the sections of a credentials.toml.
type Credentials struct {
	// Default is the [nats] section.
	Default *NATSCreds

	// Named sections (loaded dynamically)
	sections map[string]*NATSCreds
}

// NATSCreds holds one set of NATS auth material.
type NATSCreds struct {
	Token     string `toml:"token"`
	User      string `toml:"user"`
	Password  string `toml:"password"`
	CredsFile string `toml:"creds_file"`
}

// Empty reports whether no auth field is set.
func (c NATSCreds) Empty() bool {
	return c.Token == "" && c.User == "" && c.Password == "" && c.CredsFile == ""
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "mcpnats", "credentials.toml"),
			filepath.Join(home, ".mcpnats", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]NATSCreds
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	creds := &Credentials{sections: make(map[string]*NATSCreds)}
	for name, section := range raw {
		if section.Empty() {
			continue
		}
		s := section
		if name == DefaultSection {
			creds.Default = &s
		} else {
			creds.sections[strings.ToLower(name)] = &s
		}
	}
	return creds, nil
}

// Sections returns the named sections present, excluding [nats].
func (c *Credentials) Sections() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.sections))
	for name := range c.sections {
		names = append(names, name)
	}
	return names
}

// Get resolves auth material for a deployment field by field.
// Priority: [name] section > [nats] section > environment variable
func (c *Credentials) Get(name string) NATSCreds {
	var out NATSCreds
	if c != nil {
		if s, ok := c.sections[strings.ToLower(name)]; ok {
			out = *s
		}
		if c.Default != nil {
			fill(&out, *c.Default)
		}
	}
	fill(&out, fromEnv())
	return out
}

func fromEnv() NATSCreds {
	return NATSCreds{
		Token:     os.Getenv(EnvToken),
		User:      os.Getenv(EnvUser),
		Password:  os.Getenv(EnvPassword),
		CredsFile: os.Getenv(EnvCredsFile),
	}
}

// fill copies fields of src into the empty fields of dst. User and
// password travel together so a user from one source is never paired with
// another source's password.
func fill(dst *NATSCreds, src NATSCreds) {
	if dst.Token == "" {
		dst.Token = src.Token
	}
	if dst.User == "" && dst.Password == "" {
		dst.User = src.User
		dst.Password = src.Password
	}
	if dst.CredsFile == "" {
		dst.CredsFile = src.CredsFile
	}
}
