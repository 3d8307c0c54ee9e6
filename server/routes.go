// Package server exposes an Engine over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/luma/envconfig"
	"github.com/openfluke/luma/gpu"
)

type Server struct {
	engine   *gpu.Engine
	gatherer prometheus.Gatherer
	log      *logrus.Entry
}

// New returns a Server for e. gatherer backs /metrics and may be nil.
func New(e *gpu.Engine, gatherer prometheus.Gatherer, log *logrus.Entry) *Server {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{engine: e, gatherer: gatherer, log: log}
}

// GenerateRoutes builds the HTTP router.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
		s.requestLogger(),
	)

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "luma is running") })
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "luma is running") })

	r.POST("/api/arrays", s.CreateHandler)
	r.POST("/api/arrays/:id/:op", s.DispatchHandler)
	r.DELETE("/api/arrays/:id", s.ReleaseHandler)
	r.GET("/api/operations", s.OperationsHandler)
	r.GET("/api/device", s.DeviceHandler)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

// Serve answers requests on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.GenerateRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
