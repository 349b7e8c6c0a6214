package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine/pgxengine"
	"github.com/pgbridge/pgbridge/pkg/httputil"
	mw "github.com/pgbridge/pgbridge/pkg/httputil/middleware"
	"github.com/pgbridge/pgbridge/pkg/metrics"
	"github.com/pgbridge/pgbridge/pkg/optimizer"
	"github.com/pgbridge/pgbridge/pkg/orchestrator"
	"github.com/pgbridge/pgbridge/pkg/rest"
	"github.com/pgbridge/pgbridge/pkg/sandbox"
	"github.com/pgbridge/pgbridge/pkg/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge server",
	Long:  `Starts the REST bridge, the optimizer, and the integration orchestrator.`,
	Run:   runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("engine.connString", "c", "", "engine connection string")
	f.StringP("server.listenAddr", "l", "", "server listen address")
	f.String("server.baseURL", "", "base URL for API endpoints")
	f.String("health.endpoint", "", "remote service health endpoint")

	viper.BindPFlags(f) //nolint:errcheck
}

func runServe(cmd *cobra.Command, args []string) {
	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	if cfg == nil {
		logger.Fatal("configuration not loaded")
	}
	if addr := viper.GetString("server.listenAddr"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if conn := viper.GetString("engine.connString"); conn != "" {
		cfg.Engine.ConnString = conn
	}
	if cfg.Engine.ConnString == "" {
		logger.Fatal("engine connection string required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := pgxengine.New(ctx, cfg.Engine.ConnString, logger)
	if err != nil {
		logger.Fatal("failed to connect engine", zap.Error(err))
	}
	defer eng.Close()

	opt := optimizer.New(eng, optimizer.Config{
		CacheTTL:        cfg.Cache.TTL,
		CacheEntries:    cfg.Cache.MaxEntries,
		SweepInterval:   cfg.Cache.SweepInterval,
		BatchSize:       cfg.Batch.Size,
		BatchTimeout:    cfg.Batch.Timeout,
		CompressMinSize: cfg.Compress.MinSize,
		CompressRatio:   cfg.Compress.Ratio,
	}, logger)
	opt.Start(ctx, cfg.Cache.SweepInterval)

	bridge := rest.NewBridge(eng, logger,
		rest.WithExecutor(opt),
		rest.WithBaseURL(cfg.Server.BaseURL),
	)

	introspector := schema.NewIntrospector(eng, logger)

	authMgr := orchestrator.NewAuthManager()
	orch := orchestrator.New(cfg, orchestrator.Components{
		ConfigManager: orchestrator.NewConfigManager(cfg, authMgr.Secret),
		AuthManager:   authMgr,
		Deployer: orchestrator.NewDeployer(
			&sandbox.LocalExecutor{WorkDir: cfg.Sandbox.WorkDir},
			cfg.Sandbox.DeployCommand, "", cfg.Retry, logger),
		Bridge:   orchestrator.NewBridgeComponent(eng),
		Endpoint: orchestrator.NewEndpointAdapter(cfg.Health.Endpoint, logger),
	}, logger, orchestrator.WithStatsSource(func() any { return opt.Stats() }))

	if err := orch.Initialize(ctx); err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}

	// Log lifecycle events from the orchestrator's stream.
	events, cancelEvents := orch.Subscribe()
	defer cancelEvents()
	go func() {
		for event := range events {
			logger.Debug("orchestrator event",
				zap.String("type", string(event.Type)),
				zap.String("component", event.Component),
				zap.String("message", event.Message))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", bridge)
	mux.HandleFunc("GET /schema", func(w http.ResponseWriter, r *http.Request) {
		md, err := introspector.Introspect(r.Context(), "public")
		if err != nil && md == nil {
			httputil.Error(w, http.StatusInternalServerError, err.Error(), "introspection failed")
			return
		}
		httputil.JSON(w, http.StatusOK, md)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, orch.Status())
	})

	handler := mw.Chain(mux,
		mw.RequestID,
		mw.CORSWithOptions(&mw.CORSOptions{AllowedOrigins: cfg.Server.CORSOrigins}),
		mw.Logger(logger),
	)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, logger, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	orch.Shutdown(shutdownCtx)
	wg.Wait()

	logger.Info("stopped")
}
