package config

import (
	"flag"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes environment overrides, e.g. EVSERVER_READ_TIMEOUT
const EnvPrefix = "EVSERVER"

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Addr           string `config:"addr"`
	Workers        int    `config:"workers"`
	WorkerPoolSize int    `config:"worker_pool_size"`
	MaxConnections int    `config:"max_connections"`
	// Timeouts in seconds
	ReadTimeout     int `config:"read_timeout"`
	WriteTimeout    int `config:"write_timeout"`
	IdleTimeout     int `config:"idle_timeout"`
	ShutdownTimeout int `config:"shutdown_timeout"`
	// StatsInterval enables the periodic route report, 0 disables it
	StatsInterval int `config:"stats_interval"`

	MaxBodySize      int64  `config:"max_body"`
	ServerName       string `config:"server_name"`
	Brotli           bool   `config:"brotli"`
	CompressionLevel int    `config:"compression_level"`
	FastOpen         bool   `config:"fast_open"`
	DeferAccept      bool   `config:"defer_accept"`

	Env        string `config:"env"`
	LogLevel   string `config:"log_level"`
	StackTrace bool   `config:"stack_trace"`
	ConfigFile string `config:"config"`

	GCPercent   int   `config:"gc_percent"`
	MemoryLimit int64 `config:"memory_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            "ipv4:0.0.0.0:8080",
		ShutdownTimeout: 5,
		MaxBodySize:     4 << 20,
		ServerName:      "evserver",
		DeferAccept:     true,
		Env:             "development",
		LogLevel:        "info",
		GCPercent:       200,
	}
}

// New loads configuration from the command line, the optional JSON file
// and EVSERVER_* environment variables. It exits on invalid input.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	return cfg
}

// Load parses args. Flags given explicitly win over the environment,
// which wins over the JSON file.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("evserver", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address (ipv4:, ipv6: or unix: prefix)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Event loops, 0 for one per CPU")
	fs.IntVar(&cfg.WorkerPoolSize, "worker-pool-size", cfg.WorkerPoolSize, "Goroutines for blocking handler work, 0 for one per CPU")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Connections per event loop, 0 for unlimited")
	fs.IntVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Read timeout (seconds)")
	fs.IntVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Write timeout (seconds)")
	fs.IntVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Keepalive idle timeout (seconds)")
	fs.IntVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (seconds)")
	fs.IntVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Route report interval (seconds), 0 to disable")
	fs.Int64Var(&cfg.MaxBodySize, "max-body", cfg.MaxBodySize, "Maximum request body size in bytes")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "Server response header")
	fs.BoolVar(&cfg.Brotli, "brotli", cfg.Brotli, "Offer br for compressible files")
	fs.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "File compression level, 0 for default")
	fs.BoolVar(&cfg.FastOpen, "fast-open", cfg.FastOpen, "Enable TCP fast open")
	fs.BoolVar(&cfg.DeferAccept, "defer-accept", cfg.DeferAccept, "Accept only once the client sent data")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development/production/test)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.StackTrace, "stack-trace", cfg.StackTrace, "Show error origins on error pages")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Optional JSON configuration file")
	fs.IntVar(&cfg.GCPercent, "gc-percent", cfg.GCPercent, "GOGC value")
	fs.Int64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "Soft memory limit in bytes, 0 for none")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	m := NewManager()
	if cfg.ConfigFile != "" {
		if err := loadFile(m, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	fs.Visit(func(f *flag.Flag) {
		m.Delete(strings.ReplaceAll(f.Name, "-", "_"))
	})
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile copies the JSON file at path into m. Keys that name no Config
// field are rejected so typos do not go unnoticed.
func loadFile(m *Manager, path string) error {
	file := NewManager()
	if err := file.LoadFromJSON(path); err != nil {
		return err
	}

	known := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if key := t.Field(i).Tag.Get("config"); key != "" && key != "-" {
			known[key] = true
		}
	}
	for _, key := range file.Keys() {
		if !known[key] {
			return errors.Wrapf(ErrInvalidConfig, "%s: unknown key %q", path, key)
		}
		v, _ := file.Get(key)
		m.Set(key, v)
	}
	return nil
}

// Validate checks values that cannot be fixed up silently.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "production", "test":
	default:
		return errors.Wrapf(ErrInvalidConfig, "env %q", c.Env)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "log level %q", c.LogLevel)
	}
	if c.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "empty address")
	}
	for name, v := range map[string]int{
		"workers":          c.Workers,
		"worker_pool_size": c.WorkerPoolSize,
		"max_connections":  c.MaxConnections,
		"read_timeout":     c.ReadTimeout,
		"write_timeout":    c.WriteTimeout,
		"idle_timeout":     c.IdleTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
		"stats_interval":   c.StatsInterval,
	} {
		if v < 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must not be negative", name)
		}
	}
	if c.MaxBodySize <= 0 {
		return errors.Wrap(ErrInvalidConfig, "max_body must be positive")
	}
	return nil
}

// IsProduction reports whether Env is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) ReadTimeoutDuration() time.Duration     { return seconds(c.ReadTimeout) }
func (c *Config) WriteTimeoutDuration() time.Duration    { return seconds(c.WriteTimeout) }
func (c *Config) IdleTimeoutDuration() time.Duration     { return seconds(c.IdleTimeout) }
func (c *Config) ShutdownTimeoutDuration() time.Duration { return seconds(c.ShutdownTimeout) }
func (c *Config) StatsIntervalDuration() time.Duration   { return seconds(c.StatsInterval) }
