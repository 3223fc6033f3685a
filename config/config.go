// Package config assembles the file server settings from defaults, an
// optional TOML file, a .env file, the environment and command-line flags,
// each layer overriding the one before.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables consulted by Load.
const (
	EnvPort     = "PORT_NUMBER"
	EnvRoot     = "FILESERVER_ROOT"
	EnvLogLevel = "FILESERVER_LOG_LEVEL"
)

const DefaultPort = 8080

type Config struct {
	Host             string            `toml:"host"`
	Port             int               `toml:"port"`
	Root             string            `toml:"root"`
	IdleTimeout      Duration          `toml:"idle_timeout"`
	WriteTimeout     Duration          `toml:"write_timeout"`
	ShutdownTimeout  Duration          `toml:"shutdown_timeout"`
	MaxHeaderBytes   int               `toml:"max_header_bytes"`
	MaxConns         int               `toml:"max_conns"`
	DisableKeepAlive bool              `toml:"disable_keep_alive"`
	DisableListing   bool              `toml:"disable_listing"`
	IndexFiles       []string          `toml:"index_files"`
	MIMETypes        map[string]string `toml:"mime_types"`
	LogLevel         string            `toml:"log_level"`
	LogFormat        string            `toml:"log_format"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		Root:            ".",
		IdleTimeout:     Duration{30 * time.Second},
		ShutdownTimeout: Duration{5 * time.Second},
		MaxHeaderBytes:  1 << 20,
		IndexFiles:      []string{"index.html", "index.htm"},
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds a Config from args (without the program name). Flag errors
// and -h print usage to stderr; -h returns flag.ErrHelp.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fset := flag.NewFlagSet("fileserver", flag.ContinueOnError)
	configFile := fset.String("config", "", "TOML config file")
	envFile := fset.String("env-file", ".env", "dotenv file, ignored when missing")
	port := fset.String("port", "", "port number")
	host := fset.String("host", "", "host to bind, all interfaces when empty")
	root := fset.String("root", "", "directory to serve")
	idle := fset.Duration("idle-timeout", 0, "idle connection timeout")
	maxConns := fset.Int("max-conns", 0, "max simultaneous connections, 0 for no limit")
	noListing := fset.Bool("no-listing", false, "answer 403 for directories without an index file")
	logLevel := fset.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fset.String("log-format", "", "log format (text, json)")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := cfg.loadFile(*configFile); err != nil {
			return nil, err
		}
	}

	// Variables already in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	var ferr error
	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			p, err := parsePort(*port)
			if err != nil {
				ferr = fmt.Errorf("-port: %w", err)
			}
			cfg.Port = p
		case "host":
			cfg.Host = *host
		case "root":
			cfg.Root = *root
		case "idle-timeout":
			cfg.IdleTimeout = Duration{*idle}
		case "max-conns":
			cfg.MaxConns = *maxConns
		case "no-listing":
			cfg.DisableListing = *noListing
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if ferr != nil {
		return nil, ferr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(name string) error {
	md, err := toml.DecodeFile(name, c)
	if err != nil {
		return fmt.Errorf("config file %s: %w", name, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("config file %s: unknown key %q", name, undec[0].String())
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v, ok := os.LookupEnv(EnvPort); ok {
		p, err := parsePort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = p
	}
	if v, ok := os.LookupEnv(EnvRoot); ok && v != "" {
		c.Root = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", p)
	}
	return p, nil
}

// Validate checks the settings and that Root is an existing directory.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	fi, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("root %s is not a directory", c.Root)
	}
	if c.IdleTimeout.Duration < 0 || c.WriteTimeout.Duration < 0 || c.ShutdownTimeout.Duration < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MaxHeaderBytes < 0 || c.MaxConns < 0 {
		return errors.New("max_header_bytes and max_conns must not be negative")
	}
	for ext := range c.MIMETypes {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("mime type extension %q must start with a dot", ext)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Addr is the listen address, "host:port".
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
