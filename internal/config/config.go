// ABOUTME: Configuration loading and parsing for ssh-agent-mux.
// ABOUTME: YAML with environment variable expansion, tilde expansion, and defaults.

// Package config loads the daemon configuration from a YAML document,
// expanding ${VAR} environment references and leading tildes. A missing
// file yields the built-in defaults; a malformed one is an error.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Load expands leading tildes in
// paths; other relative paths are kept as written.
type Config struct {
	// AgentSockPaths is the configured upstream set; order is significant
	// and preserved end to end.
	AgentSockPaths []string `yaml:"agent_sock_paths"`

	// ListenPath is where the agent socket is bound.
	ListenPath string `yaml:"listen_path"`

	// ControlSocketPath overrides the derived control socket location.
	ControlSocketPath string `yaml:"control_socket_path"`

	// WatchForSSHForward enables forwarded-agent discovery under the
	// system temp directory.
	WatchForSSHForward bool `yaml:"watch_for_ssh_forward"`

	// HealthCheckInterval is the probe cadence in seconds; 0 disables.
	HealthCheckInterval uint `yaml:"health_check_interval"`

	// LogLevel is one of error, warn, info, debug.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// LogFile redirects logs from stderr to a file when set.
	LogFile string `yaml:"log_file"`

	// PollInterval is the watcher's rescan cadence when the native
	// filesystem watch is unavailable.
	PollInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling, e.g. "5s".
	PollIntervalRaw string `yaml:"poll_interval"`
}

// EnvLogLevel names the environment variable that overrides log_level.
const EnvLogLevel = "SSH_AGENT_MUX_LOG"

// EnvConfigPath names the environment variable that overrides the
// config file location.
const EnvConfigPath = "SSH_AGENT_MUX_CONFIG"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenPath:          "~/.ssh/ssh-agent-mux.sock",
		HealthCheckInterval: 60,
		LogLevel:            "warn",
		LogFormat:           "text",
	}
}

// DefaultPath returns the config file location.
// Priority: SSH_AGENT_MUX_CONFIG > $XDG_CONFIG_HOME/ssh-agent-mux/config.yaml
// > ~/.config/ssh-agent-mux/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ssh-agent-mux", "config.yaml")
}

// Load reads the configuration at path. A missing file is not an error:
// the daemon can run entirely on defaults and flags. Environment
// variables in ${VAR} form are expanded, tildes are resolved, and the
// result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
		// Keep defaults.
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if envLevel := os.Getenv(EnvLogLevel); envLevel != "" {
		cfg.LogLevel = strings.ToLower(envLevel)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize parses durations, expands tildes, and validates.
func (c *Config) finalize() error {
	if c.PollIntervalRaw != "" {
		d, err := time.ParseDuration(c.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", c.PollIntervalRaw, err)
		}
		c.PollInterval = d
	}

	var err error
	if c.ListenPath, err = ExpandTilde(c.ListenPath); err != nil {
		return fmt.Errorf("expanding listen_path: %w", err)
	}
	if c.ControlSocketPath != "" {
		if c.ControlSocketPath, err = ExpandTilde(c.ControlSocketPath); err != nil {
			return fmt.Errorf("expanding control_socket_path: %w", err)
		}
	}
	if c.LogFile != "" {
		if c.LogFile, err = ExpandTilde(c.LogFile); err != nil {
			return fmt.Errorf("expanding log_file: %w", err)
		}
	}
	for i, p := range c.AgentSockPaths {
		if c.AgentSockPaths[i], err = ExpandTilde(p); err != nil {
			return fmt.Errorf("expanding agent_sock_paths[%d]: %w", i, err)
		}
	}

	return c.Validate()
}

// Validate checks enum values. Path existence is deliberately not
// checked here; agent sockets come and go.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("log_level must be one of error, warn, info, debug; got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json; got %q", c.LogFormat)
	}

	if c.ListenPath == "" {
		return fmt.Errorf("listen_path must not be empty")
	}

	return nil
}

// ControlPath returns the control socket location: the configured value,
// or the listen path with its extension replaced by .ctl.
func (c *Config) ControlPath() string {
	if c.ControlSocketPath != "" {
		return c.ControlSocketPath
	}
	ext := filepath.Ext(c.ListenPath)
	return strings.TrimSuffix(c.ListenPath, ext) + ".ctl"
}

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ExpandTilde resolves a leading ~/ (or bare ~) against the invoking
// user's home directory.
func ExpandTilde(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values; unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
