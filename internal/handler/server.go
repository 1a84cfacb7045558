package handler

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flybeeper/geolog/internal/auth"
	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/pkg/utils"
)

// Version версия сервиса, отдается в /health
var Version = "dev"

const requestIDHeader = "X-Request-ID"

// Pinger хранилище, умеющее проверять соединение
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server HTTP сервер
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *utils.Logger
	config      *config.Config
	storage     repository.Storage
	recorder    Recorder
	restHandler *RESTHandler
	wsHandler   *WebSocketHandler
	auth        *auth.Middleware
}

// NewServer создает новый HTTP сервер
func NewServer(cfg *config.Config, storage repository.Storage, recorder Recorder, validator *auth.Validator, logger *utils.Logger) *Server {
	// Production mode для Gin
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	router.Use(SecurityHeadersMiddleware())
	if cfg.Monitoring.MetricsEnabled {
		router.Use(metrics.HTTPMetricsMiddleware("/metrics", "/ws/"))
	}

	server := &Server{
		router:      router,
		logger:      logger,
		config:      cfg,
		storage:     storage,
		recorder:    recorder,
		restHandler: NewRESTHandler(storage, recorder, logger),
		wsHandler:   NewWebSocketHandler(recorder, logger),
		auth:        auth.NewMiddleware(validator, logger),
	}

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Регистрация маршрутов
	server.setupRoutes()

	return server
}

// Router возвращает gin engine, используется в тестах
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	if s.config.Monitoring.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if s.config.Features.EnableProfiling {
		debug := s.router.Group("/debug/pprof")
		debug.GET("/", gin.WrapF(pprof.Index))
		debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		debug.GET("/profile", gin.WrapF(pprof.Profile))
		debug.GET("/symbol", gin.WrapF(pprof.Symbol))
		debug.GET("/trace", gin.WrapF(pprof.Trace))
		debug.GET("/:name", func(c *gin.Context) {
			pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
		})
	}

	h := s.restHandler
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/profiles", h.ListProfiles)
		v1.GET("/profiles/current", h.GetCurrentProfile)
		v1.GET("/profiles/:id", h.GetProfile)
		v1.GET("/samples", h.ListSamples)
		v1.GET("/export", h.Export)
		v1.GET("/status", h.GetStatus)
		v1.GET("/preferences", h.GetPreferences)

		// Изменяющие запросы требуют Bearer token
		protected := v1.Group("/")
		protected.Use(s.auth.Authenticate())
		{
			protected.POST("/profiles", h.CreateProfile)
			protected.PUT("/profiles/current", h.SelectProfile)
			protected.PUT("/profiles/:id", h.UpdateProfile)
			protected.DELETE("/profiles/:id", h.DeleteProfile)
			protected.POST("/profiles/:id/copy", h.CopyProfile)
			protected.DELETE("/samples", h.DeleteSamples)
			protected.PUT("/preferences", h.UpdatePreferences)
		}
	}

	if s.config.Features.EnableWebSocket {
		s.router.GET("/ws/v1/status", s.auth.Authenticate(), s.wsHandler.HandleWebSocket)
	}
}

// Start запускает HTTP сервер
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{
		"address": s.config.Server.Address,
		"mode":    gin.Mode(),
	}).Info("Starting HTTP server")

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown корректное завершение сервера
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.wsHandler.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// Health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK

	storage := "ok"
	if p, ok := s.storage.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Storage health check failed")
			storage = "error"
			status = "error"
			code = http.StatusServiceUnavailable
		}
	}

	mqttStatus := "disconnected"
	if s.recorder.Connected() {
		mqttStatus = "connected"
	} else if status == "ok" {
		status = "degraded"
	}

	engineStatus := "idle"
	if s.recorder.Recording() {
		engineStatus = "recording"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"version":   Version,
		"storage":   storage,
		"mqtt":      mqttStatus,
		"engine":    engineStatus,
	})
}

// ==================== Middleware ====================

// RequestIDMiddleware присваивает запросу ULID, если клиент не передал свой
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = ulid.Make().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware логирование запросов
func LoggerMiddleware(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Обработка запроса
		c.Next()

		// Логирование
		latency := time.Since(start)
		status := c.Writer.Status()

		entry := logger.WithFields(map[string]interface{}{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("HTTP request failed")
			return
		}
		entry.Debug("HTTP request completed")
	}
}

// CORSMiddleware настройка CORS
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", requestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

// RateLimitMiddleware ограничение частоты запросов
func RateLimitMiddleware(limit float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate_limit_exceeded",
				"message": "Too many requests",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware заголовки безопасности
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}
