package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snapup/src/api"
	"snapup/src/app"
	cfg "snapup/src/configuration"
	"snapup/src/repository"
)

const shutdownTimeout = 10 * time.Second

// NewRouter registers the gateway routes. gallery may be nil when no image
// library is configured.
func NewRouter(config *cfg.Properties, client *api.Client, gallery *app.Gallery, logger logrus.FieldLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Cache-Control", "User-Agent", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if config.Server.Pprof {
		pprof.Register(router)
	}

	auth := NewAuthHandler(client, logger)
	uploads := NewUploadHandler(client, gallery, config.Server.MaxUpload, logger)
	images := NewGalleryHandler(gallery)

	router.GET("/health", auth.GetHealth)
	router.POST("/login", auth.Login)
	router.POST("/register", auth.Register)
	router.POST("/logout", auth.Logout)
	router.GET("/account", auth.Account)
	router.POST("/upload", uploads.PostUpload)
	router.GET("/images", images.GetImageList)

	router.NoRoute(func(ctx *gin.Context) { ctx.JSON(http.StatusNotFound, gin.H{}) })
	return router
}

// RunServer wires storage, the API client and the gateway, and serves until
// SIGINT or SIGTERM.
func RunServer(config *cfg.Properties) {
	logger := cfg.NewLogger(config)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, config *cfg.Properties, logger *logrus.Logger) error {
	kv, err := repository.NewKeyValueStore(config)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	tokens := repository.NewTokenStore(kv)
	defer func() {
		if err := tokens.Close(); err != nil {
			logger.WithError(err).Warn("closing token store")
		}
	}()

	client, err := api.NewClient(ctx, config, tokens, logger)
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}
	defer client.Close()

	var gallery *app.Gallery
	if config.GalleryEnabled() {
		gallery, err = app.NewGallery(&config.S3, logger)
		if err != nil {
			logger.WithError(err).Error("could not connect to image library, /images disabled")
			gallery = nil
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Server.Port),
		Handler:           NewRouter(config, client, gallery, logger),
		ReadHeaderTimeout: config.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("%s listening on %s, api %s, store %s", config.Server.Name, srv.Addr, config.API.BaseURL, config.Store.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("handled")
	}
}
