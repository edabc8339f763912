package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/ethsig/signalhub/internal/v1/auth"
	"github.com/ethsig/signalhub/internal/v1/config"
	"github.com/ethsig/signalhub/internal/v1/health"
	"github.com/ethsig/signalhub/internal/v1/logging"
	"github.com/ethsig/signalhub/internal/v1/middleware"
	"github.com/ethsig/signalhub/internal/v1/tracing"
	"github.com/ethsig/signalhub/internal/v1/transport"
)

const serviceName = "signalhub"

func main() {
	// Load .env for local development. Try multiple paths to handle
	// different ways of running the binary.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	developmentMode := os.Getenv("DEV_MODE") == "true"
	if developmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}
	if err := logging.Initialize(developmentMode, cfg.Logging.Level); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// Tracing is opt-in: it activates only when a collector is named.
	var traced bool
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, collectorAddr)
		if err != nil {
			logging.Fatal(context.Background(), "Failed to initialize tracing", zap.Error(err))
		}
		traced = true
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logging.Error(ctx, "Tracer shutdown failed", zap.Error(err))
			}
		}()
		slog.Info("✅ Tracing initialized", "collector", collectorAddr)
	}

	hub := transport.NewHub(cfg)

	if !developmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	if allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS"); len(allowedOrigins) > 0 {
		corsCfg.AllowOrigins = allowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	if traced {
		router.Use(otelgin.Middleware(serviceName))
	}

	router.GET(cfg.Server.WSPath, hub.ServeWs)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(hub, cfg.ConnectionLimits.MaxTotalConnections)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	// Everything else is either a stray WebSocket attempt, the disabled-UI
	// responder, or the static UI.
	staticUI := http.FileServer(http.Dir("./public"))
	_, uiErr := os.Stat("./public")
	uiPresent := uiErr == nil
	router.NoRoute(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			dropSocket(c)
			return
		}
		if cfg.UIDisabled {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "signaling-only",
				"message": "UI is disabled. WebSocket signaling available at " + cfg.Server.WSPath,
				"wsPath":  cfg.Server.WSPath,
			})
			return
		}
		if !uiPresent {
			c.JSON(http.StatusOK, gin.H{
				"service": serviceName,
				"wsPath":  cfg.Server.WSPath,
			})
			return
		}
		staticUI.ServeHTTP(c.Writer, c.Request)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: router,
	}

	go func() {
		logging.Info(context.Background(), "Signaling server starting",
			zap.String("addr", cfg.ListenAddr()),
			zap.String("wsPath", cfg.Server.WSPath),
			zap.String("authMethod", cfg.Auth.Method))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(context.Background(), "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(context.Background(), "Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(context.Background(), "Server exiting")
}

// dropSocket ends a WebSocket upgrade aimed at the wrong path without
// any HTTP response: the peer just sees the connection close.
func dropSocket(c *gin.Context) {
	hijacker, ok := c.Writer.(http.Hijacker)
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err == nil {
		conn.Close()
	}
	c.Abort()
}
