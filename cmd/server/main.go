package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mark3labs/mcp-go/client"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"voice-orchestrator/backend/internal/api"
	"voice-orchestrator/backend/internal/config"
	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/mcp"
	"voice-orchestrator/backend/internal/metrics"
	"voice-orchestrator/backend/internal/repository"
	"voice-orchestrator/backend/internal/services"
	"voice-orchestrator/backend/internal/skills"
	"voice-orchestrator/backend/internal/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "voice-orchestrator",
		Short:        "Run workflows and app builds for the voice assistant",
		Version:      api.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := config.New()
			if err := v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			if err := v.BindPFlag("logging.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "Path to config file (default ./config.yaml or ./config/config.yaml)")
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting voice orchestrator", "store", cfg.Store.Driver, "workspace_root", cfg.Build.WorkspaceRoot)

	store, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	defer store.Close()

	instruments, err := metrics.Default()
	if err != nil {
		return fmt.Errorf("metrics initialization failed: %w", err)
	}

	registry := tools.NewRegistry(logger, instruments)
	mcpClients, err := registerTools(ctx, cfg.Tools, registry, logger)
	defer func() {
		for _, c := range mcpClients {
			_ = c.Close()
		}
	}()
	if err != nil {
		return err
	}

	orch, err := services.New(services.Options{
		Store:         store,
		Tools:         registry,
		Logger:        logger,
		Metrics:       instruments,
		Build:         cfg.Build,
		Skills:        cfg.Skills,
		EventBuffer:   cfg.Events.BufferSize,
		EvictionGrace: cfg.Events.EvictionGrace,
	})
	if err != nil {
		return err
	}

	if dir := cfg.Skills.DefinitionsDir; dir != "" {
		if err := loadDefinitions(ctx, orch, dir, logger); err != nil {
			return err
		}
	}
	logger.Info("Service layer initialized", "tools", registry.Names())

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)
	e.Use(otelecho.Middleware(api.ServiceName))
	e.Use(middleware.Recover())

	api.RegisterHandlers(e.Group("/api/v1"), api.NewServer(orch, logger))
	e.GET("/openapi.yaml", api.SpecHandler)
	e.GET("/docs", api.SwaggerHandler)

	mcpServer := mcp.NewServer(orch, api.Version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("HTTP handlers mounted")

	// No WriteTimeout: progress streams stay open for the length of a run.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     e,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("Orchestrator shutdown error", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}

	logger.Info("Server stopped gracefully")
	return nil
}

// registerTools wires the configured providers into registry. The returned
// MCP clients must be closed by the caller, also when err is not nil.
func registerTools(ctx context.Context, cfg config.ToolsConfig, registry *tools.Registry, logger *logging.Logger) ([]*client.Client, error) {
	for _, t := range cfg.HTTP {
		if err := registry.Register(tools.NewHTTPTool(t.Name, t.URL, nil)); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Commands {
		if err := registry.Register(tools.NewCommandTool(t.Name, t.Command, t.Timeout)); err != nil {
			return nil, err
		}
	}

	var clients []*client.Client
	for _, endpoint := range cfg.MCP {
		c, err := tools.ConnectMCP(ctx, endpoint.URL)
		if err != nil {
			return clients, fmt.Errorf("mcp provider %s: %w", endpoint.Name, err)
		}
		clients = append(clients, c)

		discovered, err := tools.DiscoverMCPTools(ctx, endpoint.Name+".", c)
		if err != nil {
			return clients, fmt.Errorf("mcp provider %s: %w", endpoint.Name, err)
		}
		if err := registry.Register(discovered...); err != nil {
			return clients, err
		}
		logger.Info("MCP tools registered", "provider", endpoint.Name, "count", len(discovered))
	}
	return clients, nil
}

func loadDefinitions(ctx context.Context, orch *services.Orchestrator, dir string, logger *logging.Logger) error {
	workflows, err := skills.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	for _, w := range workflows {
		if _, err := orch.SaveWorkflow(ctx, w); err != nil {
			return fmt.Errorf("workflow %s: %w", w.ID, err)
		}
		logger.Debug("Loaded workflow", "id", w.ID)
	}
	logger.Info("Workflow definitions loaded", "dir", dir, "count", len(workflows))
	return nil
}
