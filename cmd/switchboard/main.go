// ABOUTME: Entry point for the switchboard request router
// ABOUTME: Serves the gateway and drives its management API from the command line

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/switchboard/internal/client"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/gateway"
	"github.com/2389/switchboard/internal/routing"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
               _ _       _     _                         _
 _____      __(_) |_ ___| |__ | |__   ___   __ _ _ __ __| |
/ __\ \ /\ / /| | __/ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
\__ \\ V  V / | | || (__| | | | |_) | (_) | (_| | | | (_| |
|___/ \_/\_/  |_|\__\___|_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

// getConfigPath returns the path to the switchboard config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/config.yaml
// > ~/.config/switchboard/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "switchboard", "config.yaml")
}

// loadConfig loads the config file, falling back to defaults when none
// exists. The returned source names what was loaded.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), "defaults (no config file)", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func printUsage() {
	fmt.Println("Usage: switchboard <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                            Start the gateway server")
	fmt.Println("  health [-url URL]                Check gateway health and readiness")
	fmt.Println("  agents list [-url URL]           List registered agents")
	fmt.Println("  agents register [-url URL] <endpoint>")
	fmt.Println("                                   Register a worker agent by endpoint")
	fmt.Println("  agents unregister [-url URL] <identifier>")
	fmt.Println("                                   Unregister by id, name, or endpoint")
	fmt.Println("  sessions stats [-url URL]        Show session store statistics")
	fmt.Println("  sessions cleanup [-url URL]      Evict expired sessions now")
	fmt.Println("  query [-url URL] [-session ID] <text>")
	fmt.Println("                                   Route a query and stream the response")
	fmt.Println("  version                          Print version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "sessions":
		err = runSessions(ctx, os.Args[2:])
	case "query":
		err = runQuery(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Threshold: %.2f\n", cfg.Routing.ConfidenceThreshold)
	if len(cfg.Agents) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Agents:    %d configured\n", len(cfg.Agents))
	}
	if cfg.Tracing.Enabled {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Tracing.Exporter)
	}
	fmt.Println()

	logger.Info("starting switchboard",
		"config", source,
		"http_addr", cfg.Server.HTTPAddr,
		"confidence_threshold", cfg.Routing.ConfidenceThreshold,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "color":
		handler = &colorHandler{level: level}
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// gatewayURL resolves the management API base URL: the -url flag when
// given, otherwise the configured HTTP address.
func gatewayURL(flagURL string) string {
	if flagURL != "" {
		return flagURL
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return "http://localhost:8080"
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	url := fs.String("url", "", "gateway base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(gatewayURL(*url))
	if err := c.Health(ctx); err != nil {
		return err
	}
	fmt.Println("healthy")

	status, err := c.Ready(ctx)
	if err != nil {
		color.Yellow("not ready: %s", status)
		return nil
	}
	fmt.Println(status)
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: switchboard agents list|register|unregister")
	}

	fs := flag.NewFlagSet("agents "+args[0], flag.ContinueOnError)
	url := fs.String("url", "", "gateway base URL")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := client.New(gatewayURL(*url))

	switch args[0] {
	case "list":
		resp, err := c.ListAgents(ctx)
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		green := color.New(color.FgGreen)
		for _, a := range resp.Agents {
			green.Print("  ▶ ")
			fmt.Printf("%s (%s)\n", a.Name, a.AgentID)
			fmt.Printf("      endpoint: %s\n", a.Endpoint)
			if len(a.Skills) > 0 {
				names := make([]string, len(a.Skills))
				for i, s := range a.Skills {
					names[i] = s.Name
				}
				fmt.Printf("      skills:   %s\n", strings.Join(names, ", "))
			}
		}
		return nil

	case "register":
		endpoint := fs.Arg(0)
		if endpoint == "" {
			return fmt.Errorf("usage: switchboard agents register [-url URL] <endpoint>")
		}
		resp, err := c.RegisterAgent(ctx, endpoint)
		if err != nil {
			return err
		}
		color.Green("  ✓ %s", resp.Message)
		fmt.Printf("    agent_id: %s\n    name:     %s\n", resp.AgentID, resp.AgentName)
		return nil

	case "unregister":
		identifier := fs.Arg(0)
		if identifier == "" {
			return fmt.Errorf("usage: switchboard agents unregister [-url URL] <identifier>")
		}
		resp, err := c.UnregisterAgent(ctx, identifier)
		if err != nil {
			return err
		}
		color.Green("  ✓ %s", resp.Message)
		fmt.Printf("    agent_id: %s\n", resp.AgentID)
		return nil

	default:
		return fmt.Errorf("unknown agents subcommand: %s", args[0])
	}
}

func runSessions(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: switchboard sessions stats|cleanup")
	}

	fs := flag.NewFlagSet("sessions "+args[0], flag.ContinueOnError)
	url := fs.String("url", "", "gateway base URL")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := client.New(gatewayURL(*url))

	switch args[0] {
	case "stats":
		stats, err := c.SessionStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("active sessions: %d\n", stats.ActiveSessions)
		fmt.Printf("total turns:     %d\n", stats.TotalTurns)
		for _, s := range stats.Sessions {
			fmt.Printf("  %s  turns=%d  last_active=%s\n",
				s.SessionID, s.TurnCount, s.LastActive.Format("15:04:05"))
		}
		return nil

	case "cleanup":
		resp, err := c.CleanupSessions(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired sessions\n", resp.Removed)
		return nil

	default:
		return fmt.Errorf("unknown sessions subcommand: %s", args[0])
	}
}

func runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	url := fs.String("url", "", "gateway base URL")
	sessionID := fs.String("session", "", "session id for follow-up context")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: switchboard query [-url URL] [-session ID] <text>")
	}

	c := client.New(gatewayURL(*url))
	stream, err := c.QueryStream(ctx, query, *sessionID)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	var terminal bool
	for ev := range stream {
		switch ev.Type {
		case routing.EventMetadata:
			gray.Printf("[%s  confidence=%.2f  session=%s]\n", ev.AgentName, ev.Confidence, ev.SessionID)
		case routing.EventStatus:
			gray.Printf("%s\n", ev.Message)
		case routing.EventChunk:
			fmt.Print(ev.Content)
		case routing.EventDone:
			terminal = true
			fmt.Println()
		case routing.EventError:
			terminal = true
			fmt.Println()
			return fmt.Errorf("%s: %s", ev.Code, ev.Message)
		}
	}
	if !terminal {
		return fmt.Errorf("stream ended without a terminal event")
	}
	return nil
}
