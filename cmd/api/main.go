package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/creditline/creditline-backend/internal/config"
	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/handler"
	"github.com/creditline/creditline-backend/internal/messaging"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/creditline/creditline-backend/internal/middleware"
	"github.com/creditline/creditline-backend/internal/repository/postgres"
	"github.com/creditline/creditline-backend/internal/repository/storage"
	"github.com/creditline/creditline-backend/internal/service"
	"github.com/creditline/creditline-backend/internal/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	echoSwagger "github.com/swaggo/echo-swagger"
)

// @title Creditline API
// @version 1.0
// @description Loan ledger for field collection: schedules, idempotent payments, delinquency tracking.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Auth0 access token as "Bearer <token>"
func main() {
	// Initialize zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Str("path", cfg.MigrationsPath).Msg("Migrations applied")
	}

	// Connect to database
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()

	// Verify database connection
	if err := pool.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Connected to database")

	m := metrics.New()

	// Initialize repositories
	ledgerRepo := postgres.NewLedgerRepository(pool)
	clientRepo := postgres.NewClientRepository(pool)
	receiptRepo := postgres.NewReceiptRepository(pool)

	// Event delivery: WebSocket hub plus an optional broker
	hub := websocket.NewHub()
	sinks := []messaging.Sink{{Name: "websocket", Publisher: hub}}

	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		kafkaPublisher := messaging.NewKafkaPublisher(cfg.Broker.Brokers, cfg.Broker.Topic)
		defer kafkaPublisher.Close()
		sinks = append(sinks, messaging.Sink{Name: "kafka", Publisher: kafkaPublisher})
		log.Info().Strs("brokers", cfg.Broker.Brokers).Str("topic", cfg.Broker.Topic).Msg("Publishing ledger events to Kafka")
	case config.BrokerRabbitMQ:
		rabbitPublisher, err := messaging.NewRabbitMQPublisher(cfg.Broker.AMQPURL, cfg.Broker.Exchange, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer rabbitPublisher.Close()
		sinks = append(sinks, messaging.Sink{Name: "rabbitmq", Publisher: rabbitPublisher})
		log.Info().Str("exchange", cfg.Broker.Exchange).Msg("Publishing ledger events to RabbitMQ")
	}
	publisher := messaging.NewFanoutPublisher(m, log.Logger, sinks...)

	// Initialize services
	clock := domain.SystemClock{}
	ledger := service.NewBalanceLedger(ledgerRepo, clock, service.RetryPolicy{
		MaxAttempts: cfg.Ledger.RetryAttempts,
		BaseDelay:   cfg.Ledger.RetryBaseDelay,
		MaxDelay:    cfg.Ledger.RetryMaxDelay,
	})
	loanService := service.NewLoanService(ledgerRepo, clientRepo, ledger, publisher, clock, m, log.Logger)
	paymentProcessor := service.NewPaymentProcessor(ledger, publisher, clock, m, log.Logger)
	reconciliationService := service.NewReconciliationService(ledgerRepo)

	// Receipt storage is optional
	var receiptStore storage.ReceiptStore
	if cfg.S3.Enabled() {
		s3Store, err := storage.NewS3ReceiptStore(context.Background(), cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 receipt storage")
		}
		receiptStore = s3Store
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Receipt storage enabled")
	} else {
		log.Warn().Msg("S3_BUCKET not set, receipt uploads disabled")
	}
	receiptService := service.NewReceiptService(receiptStore, receiptRepo, ledgerRepo, clock, cfg.S3.PresignTTL, log.Logger)

	// Background sweep
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var sweepWorker *service.DelinquencySweepWorker
	if cfg.Sweep.Enabled {
		sweepWorker = service.NewDelinquencySweepWorker(loanService, reconciliationService, ledgerRepo, m, log.Logger, service.SweepWorkerConfig{
			Schedule:   cfg.Sweep.Schedule,
			Reconcile:  cfg.Sweep.Reconcile,
			RunOnStart: cfg.Sweep.RunOnStart,
		})
		if err := sweepWorker.Start(workerCtx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start delinquency sweep worker")
		}
	}

	// Initialize auth middleware
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auth middleware")
	}
	wsValidator, err := websocket.NewAuth0JWTValidator(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create WebSocket token validator")
	}
	rateLimiter := middleware.NewRateLimiterWithConfig(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	// Request ID middleware
	e.Use(echomiddleware.RequestID())

	// CORS middleware
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, handler.IdempotencyKeyHeader},
		ExposeHeaders:    []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Security headers middleware (helmet-like)
	e.Use(echomiddleware.SecureWithConfig(echomiddleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))

	// Request logging middleware with zerolog
	e.Use(zerologMiddleware(m))

	// Recovery middleware
	e.Use(echomiddleware.Recover())

	// Health check endpoint
	e.GET("/health", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// API docs. Swagger UI loads inline assets, so CSP is dropped there
	e.GET("/swagger/*", echoSwagger.WrapHandler, stripCSP)
	e.GET("/openapi.json", handler.OpenAPI3Handler(cfg.PublicURL))

	// Register API routes
	handler.RegisterRoutes(e, authMiddleware.Authenticate(), middleware.RateLimitMiddleware(rateLimiter), handler.Handlers{
		Loans:     handler.NewLoanHandler(loanService, reconciliationService),
		Payments:  handler.NewPaymentHandler(paymentProcessor),
		Receipts:  handler.NewReceiptHandler(receiptService),
		WebSocket: handler.NewWebSocketHandler(hub, wsValidator, cfg.CORSOrigins),
	})

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if sweepWorker != nil {
		sweepWorker.Stop()
	}
	stopWorkers()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// stripCSP removes the Content-Security-Policy header set by the secure middleware
func stripCSP(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Del(echo.HeaderContentSecurityPolicy)
		return next(c)
	}
}

// zerologMiddleware returns a middleware that logs requests using zerolog
// and records request metrics by route template
func zerologMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			latency := time.Since(start)

			m.ObserveHTTP(req.Method, c.Path(), strconv.Itoa(res.Status), latency)

			log.Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", latency).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Msg("request")

			return nil
		}
	}
}
