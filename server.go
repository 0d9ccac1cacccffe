package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/distribution_backend/config"
	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/mmdatafocus/distribution_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

const metricsNamespace = "distribution"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per user (or client IP when anonymous) in a
// fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	subject := strings.TrimSpace(c.GetHeader(headerUserId))
	if subject == "" {
		subject = c.ClientIP()
	}
	key := "ratelimit:" + subject

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(c.Request.Context(), key)
	pipe.ExpireNX(c.Request.Context(), key, rl.window)
	if _, err := pipe.Exec(c.Request.Context()); err != nil {
		// fail open when redis is unreachable
		c.Next()
		return
	}

	if incr.Val() > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		if userId, err := strconv.Atoi(strings.TrimSpace(c.GetHeader(headerUserId))); err == nil && userId > 0 {
			ctx = utils.SetUserIdInContext(ctx, userId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// deny all unless configured
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", headerIdempotencyKey, headerUserId, "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	return cors.New(corsConfig)
}

// newRouter builds the HTTP surface. Mutation routes answer 503 until api is wired.
func newRouter(logger *logrus.Logger, api *apiHandlers, metrics *workflow.MutationMetrics, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if !api.ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.Use(corsMiddleware())
	if limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	api.register(r)
	r.NoRoute(customNotFoundHandler)
	return r
}

// idempotencyStore picks the configured backend. Redis falls back to the in-process
// store when no connection could be made before ctx ended.
func idempotencyStore(ctx context.Context, settings config.MutationSettings, logger *logrus.Logger) (workflow.IdempotencyStore, workflow.KeyLocker, func()) {
	if settings.IdempotencyBackend == config.IdempotencyBackendRedis {
		config.ConnectRedisWithRetry(ctx)
		if lock := config.GetRedisLock(); lock != nil {
			return workflow.NewRedisIdempotencyStore(config.GetRedisDB(), ""),
				workflow.NewRedisKeyLocker(lock, logger),
				func() { _ = config.CloseRedis() }
		}
		logger.WithFields(logrus.Fields{"field": "idempotency"}).
			Warn("redis unavailable; falling back to in-memory idempotency store")
	}
	store := workflow.NewMemoryIdempotencyStore(settings.IdempotencyCleanupInterval, logger)
	store.Start()
	return store, workflow.NewLocalKeyLocker(), store.Stop
}

func rateLimiterFromEnv() *RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	metrics := workflow.NewMutationMetrics(metricsNamespace)
	api := newAPIHandlers(logger)
	r := newRouter(logger, api, metrics, rateLimiterFromEnv())

	// Start listening immediately; mutation routes return 503 until dependencies are ready.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; production runs it as a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.GetMutationSettings()
	store, locker, closeStore := idempotencyStore(sigCtx, settings, logger)
	defer closeStore()

	dialect := models.DialectFor(config.DBDriver())
	runner := workflow.NewTransactionRunner(models.NewGormTxBeginner(db, dialect), logger)
	wrapper := workflow.NewMutationWrapper(runner, store, logger,
		workflow.WithKeyLocker(locker),
		workflow.WithMetrics(metrics),
		workflow.WithDefaults(settings.MaxRetries, settings.LockTimeout, settings.IdempotencyTTL),
	)
	api.wire(db, wrapper)

	logger.WithFields(logrus.Fields{
		"field":               "startup",
		"dialect":             dialect.Name(),
		"idempotency_backend": settings.IdempotencyBackend,
		"max_retries":         settings.MaxRetries,
		"lock_timeout":        settings.LockTimeout.String(),
	}).Info("listening on :" + port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
