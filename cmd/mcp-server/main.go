package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"turul-mcp-go/internal/audit"
	"turul-mcp-go/internal/logging"
	"turul-mcp-go/internal/mcp"
	"turul-mcp-go/internal/metrics"
	"turul-mcp-go/internal/redact"
	"turul-mcp-go/internal/serverconfig"
)

func main() {
	bind := flag.String("bind", "", "Network interface and port to bind to (overrides config)")
	configPath := flag.String("config", "", "Server config.yaml path (default: ~/.turul-mcp/config.yaml)")
	versionFlag := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println("turul-mcp-go dev")
		os.Exit(0)
	}

	bootLogger := log.New(os.Stderr, "", log.LstdFlags)

	cfgPath := *configPath
	if cfgPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			bootLogger.Fatalf("get home dir: %v", err)
		}
		cfgPath = home + "/.turul-mcp/config.yaml"
	}

	cfg, err := serverconfig.Load(cfgPath)
	if err != nil {
		bootLogger.Fatalf("load server config: %v", err)
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := serverconfig.GenerateDefault(cfgPath); err != nil {
			bootLogger.Printf("warning: could not create default config: %v", err)
		}
	}

	logger := logging.Setup(cfg.Logging.Format, cfg.Logging.Level)

	listenAddr := cfg.Server.Listen
	if *bind != "" {
		listenAddr = *bind
	}

	redactor := redact.NewRedactor()
	if cfg.Security.BearerToken != "" {
		redactor.AddSecrets([]string{cfg.Security.BearerToken})
	}
	mcp.SetRedactor(redactor)

	metricsCollector := metrics.NewCollector()

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditDBPath, err := serverconfig.ExpandPath(cfg.Audit.Database)
		if err != nil {
			logger.Error("expand audit db path", "error", err)
			os.Exit(1)
		}
		auditLogger, err = audit.NewLogger(auditDBPath)
		if err != nil {
			logger.Error("init audit logger", "error", err)
			os.Exit(1)
		}
		defer auditLogger.Close()
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("build session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var authenticator *mcp.Authenticator
	if cfg.Security.BearerToken != "" {
		authenticator = &mcp.Authenticator{BearerToken: cfg.Security.BearerToken}
	}

	transportCfg := mcp.DefaultTransportConfig()
	transportCfg.MCPPath = cfg.Server.MCPPath
	transportCfg.EnableSSE = cfg.Server.EnableSSE
	transportCfg.AllowedOrigins = cfg.Security.AllowedOrigins
	transportCfg.KeepaliveInterval = time.Duration(cfg.Server.KeepaliveSecs) * time.Second
	transportCfg.PostSSESettleDelay = time.Duration(cfg.Server.PostSSESettleMillis) * time.Millisecond
	transportCfg.SessionRPM = cfg.Security.SessionRPM

	if maxBytes, err := serverconfig.ParseSize(cfg.Server.MaxRequestSize); err != nil {
		logger.Warn("invalid maxRequestSize, using default", "value", cfg.Server.MaxRequestSize, "error", err)
	} else if maxBytes > 0 {
		transportCfg.MaxRequestBytes = maxBytes
	}

	if cfg.Security.CORS != nil {
		transportCfg.EnableCORS = cfg.Security.CORS.Enabled
		if len(cfg.Security.CORS.Origins) > 0 {
			transportCfg.CORSOrigin = cfg.Security.CORS.Origins[0]
		}
	}

	server := mcp.New(mcp.Config{
		ServerName:      "turul-mcp-go",
		ServerVersion:   "0.1.0",
		Store:           store,
		StreamConfig:    mcp.StreamConfig{ChannelBufferSize: cfg.Session.ChannelBufferSize, MaxReplayEvents: cfg.Session.MaxReplayEvents},
		SessionTimeout:  time.Duration(cfg.Session.TimeoutMinutes) * time.Minute,
		CleanupInterval: time.Duration(cfg.Session.CleanupIntervalSeconds) * time.Second,
		StrictLifecycle: cfg.Session.StrictLifecycle,
		TaskTTL:         time.Duration(cfg.Session.TaskTTLMinutes) * time.Minute,
		Transport:       transportCfg,
		Auth:            authenticator,
		Logger:          logger,
	})

	registerDemoCapabilities(server.Registry)

	lifecycleSubID, lifecycleEvents := server.Sessions.LifecycleEvents()
	go func() {
		for evt := range lifecycleEvents {
			if le, ok := evt.(mcp.LifecycleEvent); ok {
				logger.Debug("session lifecycle", "type", le.Type, "session_id", le.SessionID)
			}
		}
	}()
	defer server.Sessions.StopLifecycleEvents(lifecycleSubID)

	if auditLogger != nil || metricsCollector != nil {
		server.Bridge.SetEventHook(func(sessionID, method string, duration time.Duration, err error) {
			success := err == nil
			if metricsCollector != nil {
				metricsCollector.RecordRequest(method, duration, success)
			}
			if auditLogger != nil {
				errMsg := ""
				if err != nil {
					errMsg = err.Error()
				}
				auditLogger.LogDispatch(sessionID, method, duration, success, errMsg, "")
			}
		})
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MCPPath, server.Handler())
	mux.HandleFunc("/healthz", handleHealth)
	if metricsCollector != nil {
		mux.HandleFunc("/admin/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
			_, _ = w.Write([]byte(metricsCollector.PrometheusFormat()))
		})
	}

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      logRequests(mux, logger),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Start(ctx)

	go func() {
		logger.Info("mcp server listening", "addr", listenAddr, "path", cfg.Server.MCPPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildStore(cfg *serverconfig.ServerConfig, logger *slog.Logger) (mcp.Store, error) {
	var base mcp.Store
	switch cfg.Session.Storage {
	case "sqlite":
		dbPath, err := serverconfig.ExpandPath(cfg.Session.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("expand session db path: %w", err)
		}
		sqliteStore, err := mcp.NewSQLiteStore(dbPath, cfg.Session.MaxEventsPerSession)
		if err != nil {
			return nil, fmt.Errorf("open sqlite session store: %w", err)
		}
		base = sqliteStore
	default:
		base = mcp.NewMemoryStore(cfg.Session.MaxEventsPerSession)
	}

	if cfg.Session.CircuitBreakerThreshold > 0 {
		logger.Info("wrapping session store with circuit breaker", "threshold", cfg.Session.CircuitBreakerThreshold)
		return mcp.NewResilientStore(base, "session-store", cfg.Session.CircuitBreakerThreshold, cfg.Session.CircuitBreakerCooldown), nil
	}
	return base, nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func logRequests(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
