package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// clearEnv unsets the variables Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvPort, EnvRoot, EnvLogLevel} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// load runs Load with no .env file unless args name one.
func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	missing := filepath.Join(t.TempDir(), "missing.env")
	return Load(append([]string{"-env-file", missing}, args...))
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Addr(); got != ":8080" {
		t.Errorf("Addr() = %q, want %q", got, ":8080")
	}
}

func TestLoadPortFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "9090")
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	tests := []struct {
		name string
		env  string
		args []string
	}{
		{"non-numeric env", "http", nil},
		{"zero env", "0", nil},
		{"out of range env", "70000", nil},
		{"non-numeric flag", "", []string{"-port", "eighty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if tt.env != "" {
				t.Setenv(EnvPort, tt.env)
			}
			if _, err := load(t, tt.args...); err == nil {
				t.Error("Load accepted an invalid port")
			}
		})
	}
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "9090")
	t.Setenv(EnvLogLevel, "warn")
	cfg, err := load(t, "-port", "7070", "-log-level", "debug", "-no-listing", "-max-conns", "3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 || cfg.LogLevel != "debug" || !cfg.DisableListing || cfg.MaxConns != 3 {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	file := writeTemp(t, "fileserver.toml", `
port = 9000
root = '`+root+`'
idle_timeout = "10s"
write_timeout = "1m"
max_conns = 64
index_files = ["home.html"]
log_format = "json"

[mime_types]
".md" = "text/markdown; charset=utf-8"
`)

	want := Default()
	want.Port = 9000
	want.Root = root
	want.IdleTimeout = Duration{10 * time.Second}
	want.WriteTimeout = Duration{time.Minute}
	want.MaxConns = 64
	want.IndexFiles = []string{"home.html"}
	want.LogFormat = "json"
	want.MIMETypes = map[string]string{".md": "text/markdown; charset=utf-8"}

	cfg, err := load(t, "-config", file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	// The environment beats the file.
	t.Setenv(EnvPort, "9191")
	cfg, err = load(t, "-config", file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Port)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "prot = 80\n"},
		{"bad duration", "idle_timeout = \"soon\"\n"},
		{"bad syntax", "port = \n"},
		{"mime without dot", "[mime_types]\nmd = \"text/markdown\"\n"},
		{"negative timeout", "idle_timeout = \"-1s\"\n"},
		{"bad log level", "log_level = \"loud\"\n"},
		{"bad log format", "log_format = \"xml\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			file := writeTemp(t, "bad.toml", tt.content)
			if _, err := load(t, "-config", file); err == nil {
				t.Errorf("Load accepted %q", tt.content)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	envFile := writeTemp(t, ".env", "PORT_NUMBER=6060\nFILESERVER_LOG_LEVEL=error\n")

	cfg, err := Load([]string{"-env-file", envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6060 || cfg.LogLevel != "error" {
		t.Errorf("Port = %d, LogLevel = %q; want 6060, error", cfg.Port, cfg.LogLevel)
	}

	// Variables already set are not overridden by the file.
	clearEnv(t)
	t.Setenv(EnvPort, "5050")
	cfg, err = Load([]string{"-env-file", envFile})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5050 {
		t.Errorf("Port = %d, want 5050", cfg.Port)
	}
}

func TestLoadRoot(t *testing.T) {
	clearEnv(t)
	file := writeTemp(t, "plain.txt", "x")
	if _, err := load(t, "-root", file); err == nil {
		t.Error("Load accepted a file as root")
	}
	if _, err := load(t, "-root", filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Load accepted a missing root")
	}

	dir := t.TempDir()
	t.Setenv(EnvRoot, dir)
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Root != dir {
		t.Errorf("Root = %q, want %q", cfg.Root, dir)
	}
}

func TestLoadHelp(t *testing.T) {
	clearEnv(t)
	if _, err := load(t, "-h"); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("Load(-h) = %v, want flag.ErrHelp", err)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	log := cfg.NewLogger(&buf)
	log.Info("dropped")
	log.Warn("kept", "port", 8080)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["level"] != "WARN" || entry["port"] != float64(8080) {
		t.Errorf("unexpected entry %v", entry)
	}
}
