package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

// clearEnv blanks the NATS variables so the host environment does not leak
// into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvToken, EnvUser, EnvPassword, EnvCredsFile} {
		t.Setenv(k, "")
	}
}

func writeCreds(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.toml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) < 2 {
		t.Errorf("expected at least 2 standard paths, got %d", len(paths))
	}
	if paths[0] != "credentials.toml" {
		t.Errorf("first path should be credentials.toml, got %s", paths[0])
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeCreds(t, `
[nats]
token = "default-token"

[prod]
creds_file = "/etc/mcpnats/prod.creds"

[staging]
user = "mcp"
password = "pw"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prod := creds.Get("prod")
	if prod.CredsFile != "/etc/mcpnats/prod.creds" {
		t.Errorf("prod creds_file = %q", prod.CredsFile)
	}
	if prod.Token != "default-token" {
		t.Errorf("prod token = %q, want fallback from [nats]", prod.Token)
	}

	staging := creds.Get("staging")
	if staging.User != "mcp" || staging.Password != "pw" {
		t.Errorf("staging = %+v", staging)
	}

	names := creds.Sections()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "prod" || names[1] != "staging" {
		t.Errorf("Sections() = %v", names)
	}
}

func TestGet_DefaultSection(t *testing.T) {
	clearEnv(t)
	path := writeCreds(t, `
[nats]
user = "default-user"
password = "default-pw"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Any deployment name falls back to [nats]
	for _, name := range []string{"", "prod", "unknown"} {
		got := creds.Get(name)
		if got.User != "default-user" || got.Password != "default-pw" {
			t.Errorf("Get(%q) = %+v", name, got)
		}
	}
}

func TestGet_SectionNameCaseInsensitive(t *testing.T) {
	clearEnv(t)
	path := writeCreds(t, `
[Prod]
token = "prod-token"
`, 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := creds.Get("PROD").Token; got != "prod-token" {
		t.Errorf("token = %q", got)
	}
}

func TestGet_UserPasswordStayPaired(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPassword, "env-pw")

	creds := &Credentials{
		Default:  &NATSCreds{User: "file-user", Password: "file-pw"},
		sections: map[string]*NATSCreds{"prod": {Token: "t"}},
	}
	got := creds.Get("prod")
	if got.User != "file-user" || got.Password != "file-pw" {
		t.Errorf("got %+v, want the pair from [nats]", got)
	}
}

func TestLoadFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check not applicable on Windows")
	}

	for _, mode := range []os.FileMode{0644, 0600, 0440} {
		path := writeCreds(t, "[nats]\ntoken = \"secret\"\n", mode)
		_, err := LoadFile(path)
		if !errors.Is(err, ErrInsecurePermissions) {
			t.Errorf("mode %04o: expected ErrInsecurePermissions, got %v", mode, err)
		}
	}
}

func TestLoadFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check not applicable on Windows")
	}
	clearEnv(t)

	path := writeCreds(t, "[nats]\ntoken = \"secret\"\n", 0400)
	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("0400 should be allowed: %v", err)
	}
	if creds.Get("").Token != "secret" {
		t.Error("expected token to be loaded")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeCreds(t, "[nats\ntoken = ", 0400)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFile_SkipsEmptySections(t *testing.T) {
	clearEnv(t)
	path := writeCreds(t, "[nats]\n\n[prod]\n", 0400)

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Default != nil {
		t.Error("empty [nats] should not be kept")
	}
	if len(creds.Sections()) != 0 {
		t.Errorf("Sections() = %v", creds.Sections())
	}
}

func TestGet_FallbackToEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvCredsFile, "/env.creds")

	creds := &Credentials{sections: make(map[string]*NATSCreds)}
	got := creds.Get("prod")
	if got.Token != "env-token" || got.CredsFile != "/env.creds" {
		t.Errorf("got %+v", got)
	}
}

func TestGet_CredentialsTakePriority(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvToken, "env-value")

	creds := &Credentials{
		sections: map[string]*NATSCreds{"prod": {Token: "creds-value"}},
	}
	if got := creds.Get("prod").Token; got != "creds-value" {
		t.Errorf("token = %q, want %q (creds should take priority)", got, "creds-value")
	}
}

func TestGet_NilCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvUser, "env-user")
	t.Setenv(EnvPassword, "env-pw")

	var creds *Credentials
	got := creds.Get("any")
	if got.User != "env-user" || got.Password != "env-pw" {
		t.Errorf("got %+v (from env with nil creds)", got)
	}
	if creds.Sections() != nil {
		t.Error("expected nil sections")
	}
}

func TestNATSCreds_Empty(t *testing.T) {
	if !(NATSCreds{}).Empty() {
		t.Error("zero value should be empty")
	}
	if (NATSCreds{User: "u"}).Empty() {
		t.Error("user set should not be empty")
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	creds, path, err := Load()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if creds != nil {
		t.Error("expected nil credentials when no file exists")
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_FromCurrentDir(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	if err := os.WriteFile("credentials.toml", []byte("[nats]\ntoken = \"from-current-dir\"\n"), 0400); err != nil {
		t.Fatalf("write: %v", err)
	}

	creds, path, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds == nil {
		t.Fatal("expected credentials to be loaded")
	}
	if got := creds.Get("").Token; got != "from-current-dir" {
		t.Errorf("unexpected token: %s", got)
	}
	if path != "credentials.toml" {
		t.Errorf("expected path 'credentials.toml', got %q", path)
	}
}
