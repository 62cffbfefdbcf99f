package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"account_service/internal/cleanup"
	"account_service/internal/config"
	"account_service/internal/handler"
	"account_service/internal/logger"
	"account_service/internal/mailer"
	"account_service/internal/metrics"
	"account_service/internal/middleware"
	"account_service/internal/ratelimit"
	"account_service/internal/repository"
	"account_service/internal/service"
	"account_service/internal/storage"
	"account_service/internal/utils"

	"github.com/gin-gonic/gin"
)

// Per-IP budgets for the public credential routes.
var routeLimits = map[string]middleware.RouteLimit{
	"create-user":     {Name: "create-user", Limit: 10, Window: time.Hour},
	"activation":      {Name: "activation", Limit: 20, Window: time.Hour},
	"login-user":      {Name: "login-user", Limit: 10, Window: time.Minute},
	"forgot-password": {Name: "forgot-password", Limit: 5, Window: time.Hour},
	"reset-password":  {Name: "reset-password", Limit: 10, Window: time.Hour},
}

func main() {
	envLoaded := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if !envLoaded {
		logger.Logger.Info().Msg("No .env file found, relying on environment variables")
	}

	if err := utils.RegisterValidators(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to register validators")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Database Connection ---
	dbPool, err := config.ConnectDB(ctx, cfg.DB)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// --- Redis (rate limiting) ---
	rdb, err := config.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("Redis unavailable, rate limiting disabled")
	}
	if rdb != nil {
		defer rdb.Close()
	}
	limiter := ratelimit.NewFixedWindowLimiter(rdb, "account:rl:")

	// --- Mail dispatch ---
	var mail mailer.Mailer = mailer.NewLogMailer()
	if cfg.RabbitMQURL != "" {
		conn, ch, err := config.ConnectRabbitMQ(cfg.RabbitMQURL, cfg.MailExchange)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		defer conn.Close()
		defer ch.Close()
		mail = mailer.NewRabbitMQMailer(ch, cfg.MailExchange)
		logger.Logger.Info().Str("exchange", cfg.MailExchange).Msg("Publishing emails to RabbitMQ")
	} else {
		logger.Logger.Warn().Msg("RABBITMQ_URL not set, emails will only be logged")
	}

	// --- Avatar storage ---
	var avatars storage.AvatarStorage
	var uploadsDir string
	switch cfg.AvatarStorage {
	case config.StorageS3:
		client, err := storage.NewS3Client(ctx, cfg.S3)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("Failed to create S3 client")
		}
		avatars = storage.NewS3Storage(client, cfg.S3.Bucket, cfg.S3.PublicBaseURL)
	default:
		disk, err := storage.NewDiskStorage(cfg.UploadsDir)
		if err != nil {
			logger.Logger.Fatal().Err(err).Str("dir", cfg.UploadsDir).Msg("Failed to create uploads directory")
		}
		avatars = disk
		uploadsDir = disk.Dir()
		logger.Logger.Info().Str("dir", uploadsDir).Msg("Avatars will be stored on disk")
	}

	// --- Initialize Utilities ---
	jwtUtil := utils.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpirationHours)
	activation := utils.NewActivationCodec(cfg.ActivationSecret, utils.ActivationTTL)

	// --- Initialize Repositories and Services ---
	userRepo := repository.NewUserRepository(dbPool)
	accountService := service.NewAccountService(userRepo, jwtUtil, activation, avatars, mail, service.Options{
		ActivationURL:      cfg.ActivationURL,
		ResetURL:           cfg.ResetURL,
		InitialAdminEmail:  cfg.InitialAdminEmail,
		PhoneDefaultRegion: cfg.PhoneDefaultRegion,
	})

	// --- Initialize Handlers ---
	accountHandler := handler.NewAccountHandler(accountService, handler.CookieConfig{
		MaxAge: int(jwtUtil.Expiration().Seconds()),
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
	})
	healthHandler := handler.NewHealthHandler(dbPool)

	// --- Background Workers ---
	cleaner := cleanup.NewAvatarCleaner(userRepo, avatars, cfg.AvatarSweepInterval, logger.Logger.With().Str("worker", "avatar-cleanup").Logger())
	go cleaner.Run(ctx)

	// --- Setup Gin Router ---
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.MaxMultipartMemory = service.MaxAvatarSize + 1<<20
	router.Use(
		gin.Recovery(),
		middleware.RequestLogger(),
		middleware.MetricsMiddleware(),
		middleware.CORSMiddleware(cfg.CORSAllowedOrigin),
	)

	if uploadsDir != "" {
		router.Static("/uploads", uploadsDir)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	healthHandler.RegisterHealthRoutes(router)

	rateLimit := func(route string) gin.HandlerFunc {
		return middleware.RateLimitMiddleware(limiter, routeLimits[route])
	}
	accountHandler.RegisterAccountRoutes(&router.RouterGroup,
		middleware.JWTAuthMiddleware(jwtUtil, accountService),
		middleware.AdminMiddleware(),
		rateLimit,
	)

	// --- Start Server ---
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Logger.Info().Str("port", cfg.ServerPort).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Fatal().Err(err).Msg("listen")
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	logger.Logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Logger.Info().Msg("Server exiting")
}
