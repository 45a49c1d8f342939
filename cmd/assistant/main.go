// Assistant is the conversational guide on the Halide studio website.
//
// It answers visitor questions from the studio knowledge base over a
// streaming HTTP chat endpoint and an optional websocket voice surface.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	assistant serve              Start the API server
//	assistant ingest <path>      Import markdown pages into the knowledge base
//	assistant version            Print version and build information
//	assistant -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/halide-studio/assistant/internal/api"
	"github.com/halide-studio/assistant/internal/buildinfo"
	"github.com/halide-studio/assistant/internal/config"
	"github.com/halide-studio/assistant/internal/convo"
	"github.com/halide-studio/assistant/internal/kb"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/metrics"
	"github.com/halide-studio/assistant/internal/session"
	"github.com/halide-studio/assistant/internal/tools"
	"github.com/halide-studio/assistant/internal/usage"
	"github.com/halide-studio/assistant/internal/voice"
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals that interfere with calling
// run concurrently from tests, and the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, configPath)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: assistant ingest <file-or-dir>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Assistant - Halide studio conversational guide")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: assistant [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  ingest <path>  Import markdown pages into the knowledge base")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config, the path that was loaded, and any error.
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

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runIngest imports a markdown file or directory into the knowledge
// base.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, path string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := kb.NewStore(filepath.Join(cfg.DataDir, "kb.db"))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer store.Close()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		n, err := store.IngestDir(ctx, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		logger.Info("ingest complete", "dir", path, "documents", n)
		return nil
	}

	doc, err := store.IngestFile(ctx, path)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	logger.Info("ingested document", "slug", doc.Slug, "title", doc.Title)
	return nil
}

// runServe starts the full service: knowledge base, usage accounting,
// tool registry, orchestrator, HTTP and voice surfaces.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting assistant",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that we know the desired level. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Provider.Model,
	)

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	kbStore, err := kb.NewStore(filepath.Join(cfg.DataDir, "kb.db"))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	defer kbStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer usageStore.Close()

	// --- Provider client ---
	client := llm.NewGatewayClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model, logger)

	// --- Tool registry ---
	// Load everything, then lock. Registration after lock is a bug.
	registry := tools.NewRegistry(logger)
	if err := registry.Load(tools.KnowledgeDescriptors(kbStore)); err != nil {
		return fmt.Errorf("load knowledge tools: %w", err)
	}
	if cfg.Voice.Enabled {
		if err := registry.Load(tools.SessionDescriptors()); err != nil {
			return fmt.Errorf("load session tools: %w", err)
		}
	}
	registry.Lock()
	snap := registry.Snapshot()
	logger.Info("tool registry locked", "version", snap.Version, "tools", len(snap.ToolIDs))

	// --- Orchestration ---
	collector := metrics.New(logger)
	sessions := session.NewStore(logger)
	convos := convo.NewManager(cfg.Context, client, logger)
	orchestrator := convo.NewOrchestrator(cfg, client, registry, sessions, convos, collector, usageStore, logger)

	// --- Surfaces ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orchestrator, registry, collector, client, logger)
	server.SetKBStore(kbStore)
	server.SetUsageStore(usageStore)

	var extra []func(*http.ServeMux)
	if cfg.Voice.Enabled {
		vs := voice.NewServer(orchestrator, sessions,
			time.Duration(cfg.Voice.MaxSessionSec)*time.Second, logger)
		extra = append(extra, vs.Register)
		logger.Info("voice surface enabled", "max_session_sec", cfg.Voice.MaxSessionSec)
	}

	serveCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(serveCtx, extra...)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-serveCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
