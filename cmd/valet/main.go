// Valet is a conversational schedule assistant.
//
// It exposes a WebSocket endpoint for chat clients, drives a local LLM
// (via Ollama) with schedule-management tools, and runs a background
// notifier that pushes reminders when schedule entries come due.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	valet serve              Start the WebSocket server
//	valet serve --qr         Also print a pairing QR code for the WS URL
//	valet init [dir]         Initialize a working directory with defaults
//	valet notify [--once]    Run the reminder scan (once, or continuously)
//	valet ask <message>      Send a single message (for testing)
//	valet sessions [id]      List archived sessions, or print one transcript
//	valet version            Print version and build information
//	valet -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/mstrand/valet/internal/agent"
	"github.com/mstrand/valet/internal/archive"
	"github.com/mstrand/valet/internal/buildinfo"
	"github.com/mstrand/valet/internal/calendar"
	"github.com/mstrand/valet/internal/config"
	"github.com/mstrand/valet/internal/connwatch"
	"github.com/mstrand/valet/internal/email"
	"github.com/mstrand/valet/internal/events"
	"github.com/mstrand/valet/internal/llm"
	"github.com/mstrand/valet/internal/mqtt"
	"github.com/mstrand/valet/internal/notify"
	"github.com/mstrand/valet/internal/schedule"
	"github.com/mstrand/valet/internal/server"
	"github.com/mstrand/valet/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the valet command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		showQR := false
		for _, a := range cmdArgs {
			switch a {
			case "--qr", "-qr":
				showQR = true
			default:
				return fmt.Errorf("unknown serve argument: %s", a)
			}
		}
		return runServe(ctx, stdout, stderr, configPath, showQR)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "notify":
		once := false
		for _, a := range cmdArgs {
			switch a {
			case "--once", "-once":
				once = true
			default:
				return fmt.Errorf("unknown notify argument: %s", a)
			}
		}
		return runNotify(ctx, stdout, configPath, once)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: valet ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "sessions":
		sessionID := ""
		if len(cmdArgs) > 0 {
			sessionID = cmdArgs[0]
		}
		return runSessions(ctx, stdout, configPath, outputFmt, sessionID)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// valet is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Valet - Conversational Schedule Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: valet [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve [--qr]     Start the WebSocket server (--qr prints a pairing code)")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  notify [--once]  Run the reminder scan once, or continuously")
	fmt.Fprintln(w, "  ask <message>    Send a single message (for testing)")
	fmt.Fprintln(w, "  sessions [id]    List archived sessions, or print one transcript")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/valet/config.yaml, /etc/valet/config.yaml")
	return nil
}

// runServe handles the "valet serve" subcommand. It is the primary
// operating mode: loads config, opens the schedule store and the
// optional turn archive, builds the agent with its tool registry,
// starts the background reminder notifier, and serves WebSocket
// connections until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes its offline status and disconnects
//  3. Open WebSocket connections are closed and the HTTP server drains
//  4. The archive database is closed via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, showQR bool) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Valet", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	loc, err := resolveLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	// --- Data directory ---
	// All persistent state (the schedule JSON file and the optional
	// archive database) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Schedule store ---
	store := schedule.NewStore(cfg.ScheduleFile(), logger)
	logger.Info("schedule store opened", "path", cfg.ScheduleFile())

	// --- Tool registry ---
	registry := tools.NewRegistry(store, logger)
	registry.SetLocation(loc)
	if cfg.CalDAV.Configured() {
		mirror, err := calendar.NewMirror(cfg.CalDAV, logger)
		if err != nil {
			return fmt.Errorf("caldav mirror: %w", err)
		}
		registry.SetCalendar(mirror)
		logger.Info("calendar mirroring enabled", "url", cfg.CalDAV.URL)
	}

	// --- LLM client ---
	// Multi-provider client that routes each model name to its configured
	// provider. Unknown models fall back to Ollama.
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for Ollama.
	// The server stays up through model-backend restarts; requests made
	// while Ollama is down fail per-message, not fatally.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   func(pCtx context.Context) error { return ollamaClient.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- Event bus ---
	// Connects the notifier to the WebSocket server: due reminders are
	// published as events and broadcast to connected clients.
	bus := events.New()

	// --- Agent ---
	ag := agent.New(llmClient, registry, cfg.Models.Default, cfg.Agent.MaxToolIterations, logger)
	ag.SetBus(bus)
	if cfg.Agent.SystemPromptFile != "" {
		prompt, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("read system prompt %s: %w", cfg.Agent.SystemPromptFile, err)
		}
		ag.SetSystemPrompt(string(prompt))
		logger.Info("system prompt loaded", "path", cfg.Agent.SystemPromptFile)
	}

	// --- Turn archive ---
	// Optional SQLite log of every user and assistant turn, browsable
	// with "valet sessions".
	if cfg.Archive.Enabled {
		archivePath := filepath.Join(cfg.DataDir, "archive.db")
		arch, err := archive.Open(archivePath)
		if err != nil {
			return fmt.Errorf("open archive database %s: %w", archivePath, err)
		}
		defer arch.Close()
		ag.SetArchiver(arch)
		logger.Info("turn archive enabled", "path", archivePath)
	}

	sessions := agent.NewRegistry()

	// --- Reminder notifier ---
	interval := time.Duration(cfg.Notifier.IntervalSec) * time.Second
	notifier := notify.New(store, interval, logger)
	notifier.AddSink(&notify.LogSink{Logger: logger})
	notifier.AddSink(&notify.BusSink{Bus: bus})

	mqttPub, err := addDeliverySinks(ctx, notifier, cfg, loc, logger)
	if err != nil {
		return err
	}

	// --- WebSocket server ---
	srv := server.New(cfg.Listen, ag, sessions, bus, logger)
	srv.SetConnWatch(connMgr)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	go func() {
		if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("notifier stopped", "error", err)
		}
	}()

	if showQR {
		printPairingQR(stdout, cfg.Listen)
	}

	// Start the WebSocket server. This blocks until the server is shut
	// down (via context cancellation or fatal error).
	if err := srv.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Valet stopped")
	return nil
}

// runNotify handles the "valet notify" subcommand. With --once it runs
// a single reminder scan and exits — useful from cron or for testing.
// Without it, the scan loop runs continuously until interrupted, which
// allows reminder delivery on a host that does not run the server.
func runNotify(ctx context.Context, stdout io.Writer, configPath string, once bool) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	loc, err := resolveLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	store := schedule.NewStore(cfg.ScheduleFile(), logger)

	interval := time.Duration(cfg.Notifier.IntervalSec) * time.Second
	notifier := notify.New(store, interval, logger)
	notifier.AddSink(&notify.LogSink{Logger: logger})

	mqttPub, err := addDeliverySinks(ctx, notifier, cfg, loc, logger)
	if err != nil {
		return err
	}
	if mqttPub != nil {
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := mqttPub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}()
	}

	if once {
		n, err := notifier.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("reminder scan: %w", err)
		}
		fmt.Fprintf(stdout, "Delivered %d reminder(s)\n", n)
		return nil
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("notifier: %w", err)
	}
	return nil
}

// runAsk handles the "valet ask <message>" subcommand. It boots a
// minimal agent (throwaway session, no server, no notifier) and
// processes a single message, streaming the reply to stdout. Useful
// for quick smoke tests without a WebSocket client.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	loc, err := resolveLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store := schedule.NewStore(cfg.ScheduleFile(), logger)
	registry := tools.NewRegistry(store, logger)
	registry.SetLocation(loc)

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)

	ag := agent.New(llmClient, registry, cfg.Models.Default, cfg.Agent.MaxToolIterations, logger)

	session := agent.NewRegistry().GetOrCreate("cli")
	reply, err := ag.Process(ctx, session, message, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, reply.Content)
	return nil
}

// runSessions handles the "valet sessions [id]" subcommand. Without an
// id it lists archived session IDs, most recently active first. With
// an id it prints that session's transcript in chronological order.
func runSessions(ctx context.Context, stdout io.Writer, configPath string, outputFmt string, sessionID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(cfg.DataDir, "archive.db")
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("no archive database at %s (is archive.enabled set?)", archivePath)
	}

	arch, err := archive.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive database %s: %w", archivePath, err)
	}
	defer arch.Close()

	if sessionID == "" {
		ids, err := arch.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if outputFmt == "json" {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ids)
		}
		for _, id := range ids {
			fmt.Fprintln(stdout, id)
		}
		return nil
	}

	turns, err := arch.History(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("session history: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}
	for _, t := range turns {
		fmt.Fprintf(stdout, "[%s] %-9s %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Role+":", t.Content)
	}
	return nil
}

// addDeliverySinks wires the optional MQTT and email reminder sinks
// onto the notifier. The returned publisher is non-nil when MQTT was
// configured and started; the caller is responsible for stopping it.
func addDeliverySinks(ctx context.Context, notifier *notify.Notifier, cfg *config.Config, loc *time.Location, logger *slog.Logger) (*mqtt.Publisher, error) {
	var mqttPub *mqtt.Publisher

	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.MQTT, logger)
		if err := mqttPub.Start(ctx); err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		notifier.AddSink(mqttPub)
		logger.Info("mqtt reminders enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	if cfg.Email.Configured() {
		notifier.AddSink(email.NewSender(cfg.Email, loc, logger))
		logger.Info("email reminders enabled", "to", cfg.Email.To)
	}

	return mqttPub, nil
}

// printPairingQR renders the WebSocket URL as an ASCII QR code so a
// phone client can be pointed at the server without typing the address.
func printPairingQR(w io.Writer, cfg config.ListenConfig) {
	url := cfg.PublicURL
	if url == "" {
		host := cfg.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			if h, err := os.Hostname(); err == nil {
				host = h
			} else {
				host = "localhost"
			}
		}
		url = "ws://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ws"
	}

	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Connect to: %s\n", url)
		return
	}
	fmt.Fprintf(w, "Scan to connect (%s):\n", url)
	fmt.Fprint(w, q.ToSmallString(false))
}

// resolveLocation maps the configured timezone name to a location.
// Empty means the host's local timezone.
func resolveLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in Valet goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each model listed in config is mapped to its provider.
// Models not explicitly mapped fall through to the Ollama provider,
// which acts as the default backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default)

	return multi
}
