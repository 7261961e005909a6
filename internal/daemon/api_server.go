package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"camrelay/internal/api"
	"camrelay/internal/config"
	"camrelay/internal/logging"
	"camrelay/internal/services"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
	// followWait bounds a long-poll so it finishes inside the write timeout.
	followWait = 25 * time.Second
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon
	engine *gin.Engine

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg config.API, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Bind)
	if bind == "" {
		return nil
	}
	s := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Token),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	s.engine = s.routes()
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      followWait + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *apiServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), s.accessLog())

	g := r.Group("/api", bearerAuth(s.token))
	g.GET("/status", s.handleStatus)
	g.GET("/pool", s.handlePool)
	g.GET("/stages", s.handleStages)
	g.GET("/health", s.handleHealth)
	g.GET("/uploads", s.handleUploads)
	g.GET("/logs", s.handleLogs)
	g.POST("/shutdown", s.handleShutdown)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, api.ErrorResponse{Error: "method not allowed"})
	})
	return r
}

func (s *apiServer) start() error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "daemon", "api listen", s.bind, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	s.logger.Info("api server listening",
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
	)
	return nil
}

func (s *apiServer) stop() {
	if s == nil || s.listener == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	s.listener = nil
}

func (s *apiServer) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("api request",
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("elapsed", time.Since(started)),
		)
	}
}

func (s *apiServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.daemon.Status(c.Request.Context()))
}

func (s *apiServer) handlePool(c *gin.Context) {
	pool := s.daemon.opts.Pool
	c.JSON(http.StatusOK, api.FromPoolStats(pool.Stats(), pool.Streams()))
}

func (s *apiServer) handleStages(c *gin.Context) {
	c.JSON(http.StatusOK, api.StagesResponse{Stages: s.daemon.Stages()})
}

func (s *apiServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{Servers: s.daemon.Health()})
}

func (s *apiServer) handleUploads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	uploads, err := s.daemon.RecentUploads(c.Request.Context(), strings.TrimSpace(c.Query("camera")), limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, api.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, api.UploadListResponse{Uploads: uploads})
}

func (s *apiServer) handleShutdown(c *gin.Context) {
	s.logger.Info("shutdown requested",
		logging.String(logging.FieldEventType, "shutdown_requested"),
		logging.String("remote", c.ClientIP()),
	)
	// Stop may outlast the server's write timeout when components hang.
	budget := s.daemon.stopBudget() + 5*time.Second
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Now().Add(budget)); err != nil {
		s.logger.Debug("unable to extend shutdown write deadline", logging.Error(err))
	}
	report, _ := s.daemon.Stop(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusOK, s.daemon.ShutdownReport(report))
}

func (s *apiServer) handleLogs(c *gin.Context) {
	hub := s.daemon.LogStream()
	if hub == nil {
		c.JSON(http.StatusOK, api.LogStreamResponse{})
		return
	}

	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}
	limit = min(limit, maxLogLimit)
	follow := truthy(c.Query("follow"))
	tail := truthy(c.Query("tail"))

	var (
		events []logging.LogEvent
		next   uint64
	)
	if tail && since == 0 && !follow {
		events, next = hub.Tail(limit)
	} else {
		ctx := c.Request.Context()
		if follow {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, followWait)
			defer cancel()
		}
		var err error
		events, next, err = hub.Fetch(ctx, since, limit, follow)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
			return
		}
	}

	filter := logFilter{
		camera:        strings.TrimSpace(c.Query("camera")),
		component:     strings.TrimSpace(c.Query("component")),
		correlationID: strings.TrimSpace(c.Query("correlation_id")),
	}
	if level := strings.TrimSpace(c.Query("level")); level != "" {
		filter.minLevel = logging.ParseLevel(level)
		filter.leveled = true
	}
	kept := make([]logging.LogEvent, 0, len(events))
	for _, evt := range events {
		if filter.match(evt) {
			kept = append(kept, evt)
		}
	}
	c.JSON(http.StatusOK, api.LogStreamResponse{Events: api.FromLogEvents(kept), Next: next})
}

type logFilter struct {
	camera        string
	component     string
	correlationID string
	minLevel      slog.Level
	leveled       bool
}

func (f logFilter) match(evt logging.LogEvent) bool {
	if f.camera != "" && !strings.EqualFold(f.camera, evt.Camera) {
		return false
	}
	if f.component != "" && !strings.EqualFold(f.component, evt.Component) {
		return false
	}
	if f.correlationID != "" && f.correlationID != evt.CorrelationID {
		return false
	}
	if f.leveled && logging.ParseLevel(evt.Level) < f.minLevel {
		return false
	}
	return true
}

func truthy(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
