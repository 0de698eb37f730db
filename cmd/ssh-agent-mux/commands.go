// ABOUTME: Control-plane subcommands - talk to a running daemon over the control socket.
// ABOUTME: Human-readable tables by default, --json for machine consumption.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/kradalby/ssh-agent-mux/internal/config"
	"github.com/kradalby/ssh-agent-mux/internal/control"
)

// runClientCommand dispatches the verbs that drive a running daemon.
func runClientCommand(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.StringP("config", "c", config.DefaultPath(), "config file")
	controlSocket := fs.String("control-socket", "", "control socket path")
	jsonOut := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctlPath := cfg.ControlPath()
	if *controlSocket != "" {
		if ctlPath, err = config.ExpandTilde(*controlSocket); err != nil {
			return err
		}
	}

	c, err := control.Dial(ctlPath)
	if err != nil {
		return err
	}
	defer c.Close()

	switch command {
	case "status":
		return cmdStatus(c, *jsonOut)
	case "list":
		return cmdList(c, *jsonOut)
	case "list-keys":
		return cmdListKeys(c, *jsonOut)
	case "reload":
		return cmdSimple(c.Reload, *jsonOut)
	case "validate":
		return cmdValidate(c, *jsonOut)
	case "add":
		return cmdAddRemove(c.Add, fs.Args(), *jsonOut)
	case "remove":
		return cmdAddRemove(c.Remove, fs.Args(), *jsonOut)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStatus(c *control.Client, jsonOut bool) error {
	info, err := c.Status()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(info)
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Println("ssh-agent-mux")
	fmt.Printf("  Version:    %s\n", info.Version)
	fmt.Printf("  PID:        %d\n", info.PID)
	fmt.Printf("  Uptime:     %s\n", (time.Duration(info.UptimeSecs) * time.Second).String())
	fmt.Printf("  Listening:  %s\n", info.ListenPath)
	fmt.Printf("  Control:    %s\n", info.ControlPath)
	fmt.Printf("  Watcher:    %s\n", info.WatcherStatus)
	green.Printf("  Sockets:    %d (%d watched, %d configured)\n",
		info.SocketCount, info.WatchedCount, info.ConfiguredCount)
	return nil
}

func cmdList(c *control.Client, jsonOut bool) error {
	sockets, err := c.List()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(sockets)
	}

	if len(sockets) == 0 {
		fmt.Println("No upstream sockets.")
		return nil
	}

	for _, s := range sockets {
		health := color.GreenString(s.Healthy)
		switch s.Healthy {
		case "failed":
			health = color.RedString(s.Healthy)
		case "unknown":
			health = color.HiBlackString(s.Healthy)
		}
		fmt.Printf("%2d. %-10s %-8s %s\n", s.Order, s.Source, health, s.Path)
	}
	return nil
}

func cmdListKeys(c *control.Client, jsonOut bool) error {
	keys, err := c.ListKeys()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No keys available.")
		return nil
	}

	for _, k := range keys {
		fmt.Printf("%-14s %s %s\n", k.Type, k.Fingerprint, k.Comment)
		fmt.Printf("  %s %s\n", color.HiBlackString("from"), k.SourceSocket)
	}
	return nil
}

func cmdSimple(op func() (string, error), jsonOut bool) error {
	msg, err := op()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]string{"message": msg})
	}
	color.Green("✓ %s", msg)
	return nil
}

func cmdValidate(c *control.Client, jsonOut bool) error {
	result, err := c.Validate()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(result)
	}

	fmt.Printf("Checked %d socket(s): %d healthy\n", result.Checked, result.Healthy)
	for _, p := range result.Removed {
		color.Yellow("  evicted %s", p)
	}
	return nil
}

func cmdAddRemove(op func(string) (string, error), args []string, jsonOut bool) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one socket path argument")
	}
	path, err := config.ExpandTilde(args[0])
	if err != nil {
		return err
	}
	return cmdSimple(func() (string, error) { return op(path) }, jsonOut)
}
