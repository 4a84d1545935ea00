// Package main is the entry point for the agent session host. A single binary
// runs the REST API, the WebSocket gateway, and optionally an MCP inspection
// server, all backed by one session host.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/httpmw"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/tracing"
	eeprovider "github.com/agenthost/agenthost/internal/ee/provider"
	"github.com/agenthost/agenthost/internal/events"
	"github.com/agenthost/agenthost/internal/gateway/httpapi"
	gateways "github.com/agenthost/agenthost/internal/gateway/websocket"
	"github.com/agenthost/agenthost/internal/mcpserver"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/session"
	storageprovider "github.com/agenthost/agenthost/internal/storage/provider"
)

func main() {
	var (
		configPath = flag.String("config", "", "directory containing config.yaml")
		withMCP    = flag.Bool("mcp", false, "also start the MCP inspection server")
		mcpPort    = flag.Int("mcp-port", 9090, "port for the MCP inspection server")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agenthost")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	// Event bus: in-memory for single-node, NATS for multi-node fan-out.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// Persistence adapter.
	store, err := storageprovider.Provide(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Execution-environment driver.
	driver, driverCleanup, err := eeprovider.Provide(cfg.EE, log)
	if err != nil {
		log.Fatal("failed to initialize execution-environment driver", zap.Error(err))
	}
	defer driverCleanup()

	// Agent profile registry.
	registry, err := profiles.NewRegistry(cfg.Profiles.Dir, log)
	if err != nil {
		log.Fatal("failed to load agent profiles", zap.Error(err))
	}

	workspaceBase, err := expandHome(cfg.EE.WorkspaceBasePath)
	if err != nil {
		log.Fatal("failed to resolve workspace base path", zap.Error(err))
	}
	if err := os.MkdirAll(workspaceBase, 0o755); err != nil {
		log.Fatal("failed to create workspace base path", zap.Error(err))
	}

	host := session.NewHost(session.Deps{
		Store:             store,
		Bus:               providedBus.Bus,
		Driver:            driver,
		Log:               log,
		WorkspaceBasePath: workspaceBase,
	}, session.ConfigFromHost(cfg.Host), registry)

	// WebSocket gateway.
	gateway := gateways.NewGateway(host, providedBus.Bus, log)
	go gateway.Hub.Run(ctx)

	// HTTP router: REST API plus the WS upgrade endpoint.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agenthost"))
	if cfg.Tracing.Enabled {
		router.Use(httpmw.OtelTracing("agenthost"))
	}

	gateway.SetupRoutes(router)
	httpapi.SetupRoutes(router, host, registry, store, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/v1/ws"),
			zap.String("api", "/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Optional MCP inspection server.
	var mcpCleanup func() error
	if *withMCP {
		_, cleanup, err := mcpserver.Provide(ctx, host, mcpserver.Config{Port: *mcpPort}, log)
		if err != nil {
			log.Fatal("failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agenthost")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Error("session host shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("agenthost stopped")
}

// expandHome resolves a leading ~ in the configured path.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// corsMiddleware allows browser clients to reach the API and upgrade to
// WebSocket from any origin. Deployments that need origin restrictions put a
// proxy in front.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
