// Occupancyd watches an MQTT occupancy sensor and keeps a durable log
// of presence transitions.
//
// The monitor subscribes to a zigbee2mqtt presence sensor, collapses
// the raw readings into state transitions, and appends each transition
// to a local SQLite database. Reporting subcommands query that same
// database from the command line. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	occupancyd monitor             Run the monitoring daemon
//	occupancyd recent [n]          Show the n most recent events
//	occupancyd date <YYYY-MM-DD>   Show events for one calendar day
//	occupancyd stats               Show aggregate event statistics
//	occupancyd init [dir]          Initialize a working directory with defaults
//	occupancyd version             Print version and build information
//	occupancyd -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/occupancyd/internal/backoff"
	"github.com/nugget/occupancyd/internal/buildinfo"
	"github.com/nugget/occupancyd/internal/config"
	"github.com/nugget/occupancyd/internal/eventlog"
	"github.com/nugget/occupancyd/internal/report"
	"github.com/nugget/occupancyd/internal/session"
)

// dbFileName is the SQLite event database inside the data directory.
const dbFileName = "occupancy_data.db"

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

// run is the real entry point for the occupancyd command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the monitor loop.
//   - stdout and stderr receive all program output. Structured logs and
//     reports go to stdout; fatal error messages go to stderr.
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
	case "monitor":
		return runMonitor(ctx, stdout, stderr, configPath)
	case "recent":
		limit := 0
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: occupancyd recent [count]")
			}
			limit = n
		}
		return runRecent(ctx, stdout, configPath, limit)
	case "date":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: occupancyd date <YYYY-MM-DD>")
		}
		return runDate(ctx, stdout, configPath, cmdArgs[0])
	case "stats":
		return runStats(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runMonitor is the primary operating mode: it loads config, opens the
// event database, and runs the session manager until a shutdown signal
// arrives or the reconnect budget is exhausted.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The session publishes offline availability and disconnects
//  3. The database connection is closed via defer
func runMonitor(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting occupancyd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level
	// and format.
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
		"broker", cfg.Broker.URL,
		"topic", cfg.Sensor.Topic,
	)

	// --- Data directory ---
	// All persistent state (the event database and the instance ID)
	// lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event log ---
	// Append-only SQLite store for occupancy transitions. Opening it
	// before the broker connection means a broken database fails the
	// daemon at startup, not on the first sensor reading.
	dbPath := filepath.Join(cfg.DataDir, dbFileName)
	store, err := eventlog.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open event database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("event database opened", "path", dbPath)

	// --- Broker identity ---
	// A persisted instance ID keeps the MQTT client ID stable across
	// restarts unless the config pins one explicitly.
	instanceID, err := session.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	clientID := session.ClientID(cfg.Broker.ClientID, instanceID)

	// --- Session manager ---
	mgr := session.New(session.Config{
		BrokerURL:         cfg.Broker.URL,
		ClientID:          clientID,
		Topic:             cfg.Sensor.Topic,
		HeartbeatTopic:    cfg.Monitor.HeartbeatTopic,
		AvailabilityTopic: cfg.Monitor.AvailabilityTopic,
		KeepAlive:         time.Duration(cfg.Broker.KeepAliveSec) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Monitor.HeartbeatIntervalSec) * time.Second,
		MaxInactive:       time.Duration(cfg.Monitor.MaxInactiveSec) * time.Second,
		Backoff: backoff.Policy{
			Min: time.Duration(cfg.Monitor.ReconnectMinDelaySec) * time.Second,
			Max: time.Duration(cfg.Monitor.ReconnectMaxDelaySec) * time.Second,
		},
		MaxRetries: cfg.Monitor.MaxReconnectAttempts,
		Sink:       storeSink{store: store},
		Logger:     logger,
	})

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx the session runs on.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}()

	logger.Info("monitoring occupancy", "client_id", clientID)
	if err := mgr.Run(ctx); err != nil {
		return err
	}

	logger.Info("occupancyd stopped")
	return nil
}

// storeSink adapts the event log store to the session's sink interface,
// discarding the stored row that Append returns.
type storeSink struct {
	store *eventlog.Store
}

func (s storeSink) Append(ctx context.Context, occupied bool, at time.Time) error {
	_, err := s.store.Append(ctx, occupied, at)
	return err
}

// runRecent prints the most recent occupancy events, newest first.
func runRecent(ctx context.Context, w io.Writer, configPath string, limit int) error {
	store, err := openEventLog(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return report.Recent(ctx, w, store, limit)
}

// runDate prints all events recorded on one calendar day. The day is
// interpreted in local time, matching the timestamps the reports print.
func runDate(ctx context.Context, w io.Writer, configPath string, arg string) error {
	day, err := time.ParseInLocation("2006-01-02", arg, time.Local)
	if err != nil {
		return fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", arg)
	}

	store, err := openEventLog(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return report.Day(ctx, w, store, day)
}

// runStats prints aggregate totals across the whole event log.
func runStats(ctx context.Context, w io.Writer, configPath string) error {
	store, err := openEventLog(configPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return report.Stats(ctx, w, store)
}

// openEventLog opens the event database for the read-only reporting
// commands. The database must already exist; reporting never creates
// an empty one.
func openEventLog(configPath string) (*eventlog.Store, error) {
	cfg, err := queryConfig(configPath)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.DataDir, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no event database at %s (start the monitor first)", dbPath)
	}

	store, err := eventlog.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event database %s: %w", dbPath, err)
	}
	return store, nil
}

// queryConfig loads configuration for the reporting commands. Unlike
// the monitor, these work without a config file: defaults point at the
// current directory's database.
func queryConfig(explicit string) (*config.Config, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, nil
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
// occupancyd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Occupancyd - MQTT Occupancy Monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: occupancyd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  monitor            Run the monitoring daemon")
	fmt.Fprintln(w, "  recent [n]         Show the n most recent events (default: 10)")
	fmt.Fprintln(w, "  date <YYYY-MM-DD>  Show all events for one calendar day")
	fmt.Fprintln(w, "  stats              Show aggregate event statistics")
	fmt.Fprintln(w, "  init [dir]         Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/occupancyd/config.yaml, /etc/occupancyd/config.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in occupancyd goes through slog;
// this helper standardizes the handler configuration across subcommands.
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

	return cfg, cfgPath, nil
}
