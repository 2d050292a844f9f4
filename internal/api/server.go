// Package api serves the engine's control surface over HTTP: task
// submission, status, cancellation, approval resolution and Prometheus
// metrics.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/logging"
	"gorm.io/gorm"
)

const defaultEventInterval = 2 * time.Second

// Options configures the HTTP surface. DB and Engine are required.
type Options struct {
	DB       *gorm.DB
	Engine   *dispatch.Engine
	Gatherer prometheus.Gatherer // defaults to the default registry
	Log      *slog.Logger
	// EventInterval is how often a task event stream polls for changes.
	EventInterval time.Duration
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Options
	Port int
	Out  io.Writer
}

// NewRouter builds the gin router for the control surface.
func NewRouter(opts Options) (*gin.Engine, error) {
	if opts.DB == nil || opts.Engine == nil {
		return nil, fmt.Errorf("api: db and engine are required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.EventInterval <= 0 {
		opts.EventInterval = defaultEventInterval
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLog(opts.Log))
	registerRoutes(router, &handlers{
		db:       opts.DB,
		engine:   opts.Engine,
		log:      opts.Log,
		interval: opts.EventInterval,
	}, opts.Gatherer)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Options)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// requestLog logs one line per request at debug level, and at warn level for
// server errors.
func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start))
	}
}
