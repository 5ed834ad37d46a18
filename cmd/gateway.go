package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/contextmgr"
	"github.com/shipagent/ship/internal/gateway"
	"github.com/shipagent/ship/internal/providers"
	"github.com/shipagent/ship/internal/shellsession"
	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/tools"
	"github.com/shipagent/ship/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the lane scheduler and websocket gateway adapter",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	root := resolveProjectRoot()
	if err := os.MkdirAll(filepath.Join(root, ".ship"), 0o755); err != nil {
		slog.Error("failed to create .ship directory", "error", err)
		os.Exit(1)
	}
	layout := shippaths.NewLayout(root)

	provider, model, err := resolveProvider(cfg)
	if err != nil {
		slog.Error("no model provider configured", "error", err)
		fmt.Println("Set SHIP_ANTHROPIC_API_KEY or SHIP_OPENAI_API_KEY and retry.")
		os.Exit(1)
	}
	if model == "" {
		model = provider.DefaultModel()
	}
	slog.Info("model provider resolved", "provider", provider.Name(), "model", model)

	watchConfig(cfgPath, cfg)

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(root, true))
	registry.Register(tools.NewWriteFileTool(root, true))
	shellMgr := shellsession.NewManager()
	shellToolset := tools.NewShellToolset(shellMgr, shellsession.PagingConfig{
		MaxOutputChars: cfg.Permissions.ExecCommand.MaxOutputChars,
		MaxOutputLines: cfg.Permissions.ExecCommand.MaxOutputLines,
	})
	for _, t := range shellToolset.Tools() {
		registry.Register(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector, shutdownTracing, err := tracing.NewCollector(ctx, layout, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing collector init failed, continuing without OTLP export", "error", err)
	}
	if shutdownTracing != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	manager := contextmgr.New(layout, cfg, provider, model, registry, shellMgr, collector, nil, nil)
	gwServer := gateway.NewServer(manager)
	manager.SetDeliver(gwServer.Deliver)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gwServer.ServeHTTP)

	listenAddr := cfg.Gateway.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8842"
	}
	httpServer := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		slog.Info("gateway listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", "error", err)
	}
}

// resolveProvider picks the model provider from whichever API key is
// configured, preferring Anthropic (the teacher's own default).
func resolveProvider(cfg *config.Config) (providers.Provider, string, error) {
	if cfg.Providers.Anthropic.APIKey != "" {
		pc := cfg.Providers.Anthropic
		model := pc.Model
		var opts []providers.AnthropicOption
		opts = append(opts, providers.WithAnthropicModel(model))
		if pc.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(pc.APIBase))
		}
		var p providers.Provider = providers.NewAnthropicProvider(pc.APIKey, opts...)
		p = providers.NewRateLimitedProvider(p, pc.RateLimitPerSecond, pc.RateLimitBurst)
		return p, model, nil
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		pc := cfg.Providers.OpenAI
		model := pc.Model
		var p providers.Provider = providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, model)
		p = providers.NewRateLimitedProvider(p, pc.RateLimitPerSecond, pc.RateLimitBurst)
		return p, model, nil
	}
	return nil, "", fmt.Errorf("no provider api key configured")
}

// watchConfig starts a best-effort fsnotify watch on cfgPath's
// directory and hot-swaps cfg's fields via ReplaceFrom whenever the
// file changes. Only code that reads cfg after a reload sees the new
// values: a runner built after the reload takes the new history
// limits, while the scheduler's chat-queue settings and the
// exec_command paging caps are copied at startup and keep their
// startup values until the gateway restarts. Credentials are
// re-sourced from the environment on each reload, never the file.
// Failure to start the watcher is logged and non-fatal — the gateway
// runs fine on the config it loaded at startup.
func watchConfig(cfgPath string, cfg *config.Config) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config hot-reload disabled: failed to start watcher", "error", err)
		return
	}
	dir := filepath.Dir(cfgPath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("config hot-reload disabled: failed to watch directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(cfgPath) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := config.Load(cfgPath)
				if err != nil {
					slog.Warn("config reload failed, keeping previous config", "error", err)
					continue
				}
				cfg.ReplaceFrom(reloaded)
				slog.Info("config reloaded", "path", cfgPath)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
}
