// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/JakeFAU/image-registry-checker/internal/logging"
)

// EnvPrefix is prepended to every automatically bound environment variable.
const EnvPrefix = "REGISTRY_CHECKER"

// Lookup backends understood by the checker factory.
const (
	BackendExec     = "exec"
	BackendRegistry = "registry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Checker CheckerConfig `mapstructure:"checker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Docs    DocsConfig    `mapstructure:"docs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	IP              string        `mapstructure:"ip"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port the HTTP server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// CheckerConfig selects and tunes the image lookup backend.
type CheckerConfig struct {
	// Command is the path or name of the crane executable.
	Command string `mapstructure:"command"`
	Backend string `mapstructure:"backend"`
	// Timeout bounds a single lookup. Zero waits for the lookup indefinitely.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DocsConfig toggles the OpenAPI document and Swagger UI routes.
type DocsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// flagKeys maps config keys to the CLI flags that may override them.
var flagKeys = map[string]string{
	"server.ip":           "ip",
	"server.port":         "port",
	"checker.command":     "crane-cmd",
	"checker.backend":     "backend",
	"checker.timeout":     "lookup-timeout",
	"logging.development": "dev-log",
	"logging.level":       "log-level",
	"docs.enabled":        "docs",
}

// RegisterFlags defines the CLI flags that Load knows how to bind.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.IPP("ip", "i", net.IPv4(127, 0, 0, 1), "IP address to bind to")
	fs.IntP("port", "p", 8080, "Port to listen on")
	fs.StringP("crane-cmd", "c", "crane", "Path and name of the crane executable (env CRANE_CMD)")
	fs.String("backend", BackendExec, "Lookup backend: exec (run crane) or registry (in-process)")
	fs.Duration("lookup-timeout", 0, "Upper bound for a single lookup; 0 disables the limit")
	fs.Bool("dev-log", false, "Use the human-readable development log format")
	fs.String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	fs.Bool("docs", true, "Serve /api-doc.json and /swagger-ui/")
}

// Load builds a Config from defaults, an optional config file, the environment and flags.
// Flags that were explicitly set win over environment variables, which win over the file.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("checker.command", "CRANE_CMD", EnvPrefix+"_CHECKER_COMMAND"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	setDefaults(v)

	if flags != nil {
		for key, name := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process environment.
// Variables that are already set are left untouched. It reports whether the file was read.
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := gotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load env file %s: %w", path, err)
	}
	return true, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ip", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("checker.command", "crane")
	v.SetDefault("checker.backend", BackendExec)
	v.SetDefault("checker.timeout", time.Duration(0))
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("docs.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if net.ParseIP(c.Server.IP) == nil {
		return fmt.Errorf("server.ip must be an IP address, got %q", c.Server.IP)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be >= 0")
	}
	switch c.Checker.Backend {
	case BackendExec:
		if strings.TrimSpace(c.Checker.Command) == "" {
			return fmt.Errorf("checker.command must be set for the %s backend", BackendExec)
		}
	case BackendRegistry:
	default:
		return fmt.Errorf("checker.backend must be %q or %q, got %q", BackendExec, BackendRegistry, c.Checker.Backend)
	}
	if c.Checker.Timeout < 0 {
		return fmt.Errorf("checker.timeout must be >= 0")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
