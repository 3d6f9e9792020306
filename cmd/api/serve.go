package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/logging"
	"github.com/yourusername/doc-forge/internal/results"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動する",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	defer a.close()

	if cfg.RecoverOnStart {
		report, err := a.manager.Recover(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to recover jobs")
			return err
		}
		logger.Info().
			Int("interrupted", report.Interrupted).
			Int("missing", report.Missing).
			Int("readmitted", report.Readmitted).
			Msg("startup recovery finished")
	}

	a.startBackground(ctx)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(logger))
	router.Use(cors.New(corsConfig(cfg)))
	setupRoutes(router, cfg, a)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 先に購読者を切断しないと SSE 接続が残り Shutdown が終わらない
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("job manager did not stop cleanly")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server did not stop cleanly")
	}
	return nil
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowOrigins = origins
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control"}
	c.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	return c
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": logging.ServiceName,
		"version": "0.1.0",
	})
}

func setupRoutes(router *gin.Engine, cfg *config.Config, a *app) {
	router.GET("/health", handleHealth)

	handlers := jobs.NewHandlers(a.manager, a.uploads, a.store, jobs.HandlerOptions{
		MaxFileSize:  cfg.MaxFileSize,
		HistoryLimit: cfg.HistoryLimit,
		Keepalive:    cfg.KeepaliveInterval(),
	}, a.logger)

	api := router.Group("/api")
	{
		handlers.Register(api)
		api.GET("/download/:id/:kind", results.DownloadHandler(a.writer))
	}
}
