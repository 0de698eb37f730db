// ABOUTME: Entry point for ssh-agent-mux - daemon plus control-plane subcommands.
// ABOUTME: serve runs the multiplexer; the other verbs talk to a running daemon.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/kradalby/ssh-agent-mux/internal/config"
	"github.com/kradalby/ssh-agent-mux/internal/mux"
)

// version is set by goreleaser at build time.
var version = "dev"

func usage() {
	fmt.Println("Usage: ssh-agent-mux <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Run the multiplexer daemon")
	fmt.Println("  status             Show daemon status")
	fmt.Println("  list               List upstream agent sockets")
	fmt.Println("  list-keys          List all available SSH keys")
	fmt.Println("  reload             Re-scan for forwarded agents")
	fmt.Println("  validate           Check socket health, evict stale sockets")
	fmt.Println("  add <path>         Add a socket to the watched list")
	fmt.Println("  remove <path>      Remove a socket from the watched list")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  -c, --config PATH        Config file (default: " + config.DefaultPath() + ")")
	fmt.Println("      --control-socket P   Control socket path override")
	fmt.Println("      --json               JSON output for client commands")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "status", "list", "list-keys", "reload", "validate", "add", "remove":
		err = runClientCommand(os.Args[1], os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe merges config file and command line: flags that were
// explicitly set win over file values, positional arguments replace the
// configured upstream set.
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "config file")
	listenPath := fs.StringP("listen", "l", "", "listen socket path")
	logLevel := fs.String("log-level", "", "log level (error, warn, info, debug)")
	logFormat := fs.String("log-format", "", "log format (text, json)")
	logFile := fs.String("log-file", "", "log to file instead of stderr")
	watch := fs.Bool("watch-for-ssh-forward", false, "watch the temp directory for forwarded agents")
	healthInterval := fs.Uint("health-check-interval", 0, "health check interval in seconds (0 disables)")
	controlSocket := fs.String("control-socket", "", "control socket path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *listenPath != "" {
		if cfg.ListenPath, err = config.ExpandTilde(*listenPath); err != nil {
			return err
		}
	}
	if *controlSocket != "" {
		if cfg.ControlSocketPath, err = config.ExpandTilde(*controlSocket); err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *logFile != "" {
		if cfg.LogFile, err = config.ExpandTilde(*logFile); err != nil {
			return err
		}
	}
	if fs.Changed("watch-for-ssh-forward") {
		cfg.WatchForSSHForward = *watch
	}
	if fs.Changed("health-check-interval") {
		cfg.HealthCheckInterval = *healthInterval
	}
	if paths := fs.Args(); len(paths) > 0 {
		cfg.AgentSockPaths = nil
		for _, p := range paths {
			expanded, err := config.ExpandTilde(p)
			if err != nil {
				return err
			}
			cfg.AgentSockPaths = append(cfg.AgentSockPaths, expanded)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("starting ssh-agent-mux",
		"version", version,
		"config", *configPath,
		"listen", cfg.ListenPath,
		"control", cfg.ControlPath(),
	)

	return mux.New(cfg, *configPath, version, logger).Run(ctx)
}

func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	closer := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	switch {
	case cfg.LogFormat == "json":
		handler = slog.NewJSONHandler(out, opts)
	case cfg.LogFile != "":
		// No color codes into files.
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = &colorHandler{level: cfg.SlogLevel(), out: out}
	}

	return slog.New(handler), closer, nil
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	out   io.Writer
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, out: h.out, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(_ string) slog.Handler {
	return h
}
