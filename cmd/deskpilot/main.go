// Deskpilot is a tool-calling assistant service for dashboard
// applications.
//
// It exposes an HTTP API that runs an agent loop over a persisted
// conversation thread, a websocket feed of run events, and a CLI for
// one-shot questions. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	deskpilot serve                     Start the API server
//	deskpilot ask <question>            Ask a single question
//	deskpilot ask -thread <id> <q>      Continue an existing thread
//	deskpilot thread                    Print a new thread ID
//	deskpilot init [dir]                Write an example config.yaml
//	deskpilot version                   Print version and build information
//	deskpilot -o json version           Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/api"
	"github.com/nugget/deskpilot/internal/buildinfo"
	"github.com/nugget/deskpilot/internal/config"
	"github.com/nugget/deskpilot/internal/connwatch"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/mqtt"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/usage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the deskpilot command. Arguments are
// parsed by hand rather than with the flag package so that run can be
// called concurrently from tests without global state.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		threadID, question, err := parseAskArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, threadID, question)
	case "thread":
		return runThread(stdout, outputFmt)
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

// parseAskArgs splits "ask" arguments into an optional -thread value
// and the question text.
func parseAskArgs(args []string) (threadID, question string, err error) {
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-thread" && i+1 < len(args):
			threadID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-thread="):
			threadID = strings.TrimPrefix(args[i], "-thread=")
		default:
			words = append(words, args[i])
		}
	}
	question = strings.TrimSpace(strings.Join(words, " "))
	if question == "" {
		return "", "", errors.New("usage: deskpilot ask [-thread <id>] <question>")
	}
	return threadID, question, nil
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
	fmt.Fprintf(w, "  go_version:  %s\n", info.GoVersion)
	fmt.Fprintf(w, "  platform:    %s/%s\n", info.OS, info.Arch)
	return nil
}

// runThread prints a fresh thread ID, the same kind GET /v1/thread
// issues.
func runThread(w io.Writer, outputFmt string) error {
	id := session.NewThreadID()
	if outputFmt == "json" {
		return json.NewEncoder(w).Encode(map[string]string{"threadId": id})
	}
	fmt.Fprintln(w, id)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Deskpilot - tool-calling assistant service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deskpilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the API server")
	fmt.Fprintln(w, "  ask [-thread id] <question> Ask a single question")
	fmt.Fprintln(w, "  thread                      Print a new thread ID")
	fmt.Fprintln(w, "  init [dir]                  Write an example config.yaml")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/deskpilot/config.yaml, /etc/deskpilot/config.yaml")
	return nil
}

// runAsk handles "deskpilot ask". It builds the same agent as serve,
// runs one question, and prints the answer. Review policies are not
// applied; there is no one to approve a suspended run.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, threadID, question string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	app, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer app.Close()

	resp, err := app.loop.Run(ctx, &agent.Request{
		ThreadID: threadID,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: question}},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"thread_id":  resp.ThreadID,
			"message":    resp.Message.Content,
			"model":      resp.Model,
			"iterations": resp.Iterations,
			"version":    resp.Version,
		})
	}
	fmt.Fprintln(stdout, resp.Message.Content)
	fmt.Fprintf(stderr, "thread: %s\n", resp.ThreadID)
	return nil
}

// runServe handles "deskpilot serve": it builds the agent, starts the
// API server and the optional MQTT exporter, and blocks until SIGINT or
// SIGTERM (or ctx cancellation).
//
// The shutdown sequence is:
//  1. The signal cancels ctx, stopping the usage recorder
//  2. MQTT publishes its offline availability
//  3. The HTTP server drains in-flight requests
//  4. Stores are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting Deskpilot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"session_backend", cfg.Session.Backend,
	)

	app, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer app.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, app.loop, app.store, logger)
	server.SetThreadCookie(cfg.Thread)
	server.SetEventBus(app.bus)
	server.SetWebhookClient(app.webhook)
	if app.staging != nil {
		server.SetRunLister(app.staging)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Usage ledger ---
	var ledger *usage.Store
	if cfg.Usage.Configured() {
		ledger, err = usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer ledger.Close()
		if cfg.Usage.Retention > 0 {
			n, err := ledger.Prune(ctx, time.Now().Add(-cfg.Usage.Retention))
			if err != nil {
				logger.Warn("usage prune failed", "error", err)
			} else if n > 0 {
				logger.Info("pruned usage records", "count", n, "retention", cfg.Usage.Retention)
			}
		}
		go usage.NewRecorder(ledger, cfg.Models.Pricing, logger).Run(ctx, app.bus)
		server.SetUsageReader(ledger)
		logger.Info("usage ledger enabled", "path", cfg.Usage.Path, "priced_models", len(cfg.Models.Pricing))
	}

	// --- MQTT event export ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.MQTT, app.bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt event export enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt event export disabled (not configured)")
	}

	// --- Dependency health ---
	connMgr := connwatch.NewManager(logger)
	connMgr.SetEventBus(app.bus)
	defer connMgr.Stop()
	if err := watchDependencies(ctx, connMgr, cfg, app); err != nil {
		return err
	}
	if ledger != nil {
		if _, err := connMgr.Watch(ctx, "usage_ledger", ledger.Ping, connwatch.DefaultSchedule()); err != nil {
			return err
		}
	}
	server.SetHealthReporter(connMgr)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received", "events_dropped", app.bus.Dropped())

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Deskpilot stopped")
	return nil
}

// newLogger creates the configured structured logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// ParseLogLevel was validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
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
