package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/config"
	"github.com/jsusurcia/pryGobierno-sub000/handler"
	"github.com/jsusurcia/pryGobierno-sub000/middleware"
	"github.com/jsusurcia/pryGobierno-sub000/service"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	directory := service.NewConfigDirectory(cfg)
	notifier := service.MultiNotifier{service.NewStoreNotifier(repo), service.LogNotifier{}}
	signing := service.NewSigningService(repo, blobs, service.NewPDFAnnotator(), directory, notifier)

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(cfg, signing, directory)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server exited gracefully")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config) (service.Repository, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return service.NewPostgresStore(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	case "sqlite":
		return service.NewSQLiteStore(cfg.Store.DSN)
	default:
		return service.NewMemoryStore(), nil
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (service.BlobStore, error) {
	timeout := time.Duration(cfg.Blob.TimeoutSeconds) * time.Second
	fetcher := service.NewHTTPFetcher(timeout)

	var inner service.BlobStore
	switch cfg.Blob.Driver {
	case "minio":
		minioSvc, err := service.NewMinioService(&cfg.Minio, cfg.Blob.Prefix, fetcher)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MINIO service: %w", err)
		}
		if err := minioSvc.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure MINIO bucket: %w", err)
		}
		inner = minioSvc
	case "s3":
		s3Store, err := service.NewS3Store(ctx, &cfg.S3, cfg.Blob.Prefix, fetcher)
		if err != nil {
			return nil, err
		}
		inner = s3Store
	default:
		slog.Warn("using in-memory document storage; documents are lost on restart")
		inner = service.NewMemoryBlobStore()
	}

	return service.NewRetryingBlobStore(
		inner,
		cfg.Blob.DownloadAttempts,
		time.Duration(cfg.Blob.BackoffMillis)*time.Millisecond,
		timeout,
	), nil
}

func newRouter(cfg *config.Config, signing handler.ContractService, directory service.Directory) *gin.Engine {
	authHandler := handler.NewAuthHandler(cfg, directory)
	contractHandler := handler.NewContractHandler(signing, cfg.Server.MaxUploadMB)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(noStoreMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, time.Minute)

	api := router.Group("/api")
	api.POST("/auth/login", middleware.RateLimitWith(limiter), authHandler.Login)

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	protected.Use(middleware.RateLimitWith(limiter))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)

		protected.POST("/contracts", contractHandler.Create)
		protected.GET("/contracts", contractHandler.List)
		protected.GET("/contracts/pending", contractHandler.Pending)
		protected.GET("/contracts/created", contractHandler.Created)
		protected.GET("/contracts/signed", contractHandler.Signed)
		protected.POST("/contracts/:id/sign", contractHandler.Sign)
		protected.POST("/contracts/:id/reject", contractHandler.Reject)
		protected.GET("/contracts/:id/history", contractHandler.History)
		protected.GET("/contracts/:id/document", contractHandler.Document)

		protected.GET("/notifications", contractHandler.Notifications)
	}

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Location")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// noStoreMiddleware keeps API responses and documents out of shared caches
func noStoreMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}
