package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chxlky/orba/api"
	"github.com/chxlky/orba/database"
	"github.com/chxlky/orba/integrations"
	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/billing"
	"github.com/chxlky/orba/internal/board"
	"github.com/chxlky/orba/internal/config"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if levelStr == "" {
		levelStr = "debug"
	}
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, _ := zapConfig.Build()
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(".")
	if err != nil {
		zap.L().Fatal("Error reading config", zap.Error(err))
	}

	db := database.Init(cfg.Database)
	sqlDB, _ := db.DB()

	if cfg.Auth.UsesDevSecret() {
		zap.L().Warn("auth.session_secret is not set, sessions are signed with the development key")
	}

	mailer, err := integrations.NewMailer(cfg.Mail)
	if err != nil {
		zap.L().Fatal("Failed to initialise mailer", zap.Error(err))
	}

	apiHandler := &api.Handler{
		DB:       db,
		Config:   cfg,
		Board:    board.New(db),
		Accounts: auth.NewAccounts(db),
		Sessions: auth.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL),
		Resets:   auth.NewResets(db, cfg.Auth.ResetTokenTTL),
		Mailer:   mailer,
		Workers:  make(chan struct{}, 10), // Limit to 10 concurrent calendar syncs
	}

	var fetcher billing.SubscriptionFetcher
	if cfg.Stripe.SecretKey != "" {
		stripeClient := integrations.NewStripeClient(cfg.Stripe.SecretKey)
		fetcher = stripeClient
		apiHandler.Payments = stripeClient
	} else {
		zap.L().Warn("stripe.secret_key is not set, billing is disabled")
	}

	var billingOpts []billing.Option
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			zap.L().Fatal("Invalid redis.url", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			zap.L().Warn("Redis is not reachable, webhook dedup will retry per event", zap.Error(err))
		}
		cancel()
		billingOpts = append(billingOpts, billing.WithDeduper(billing.NewRedisDeduper(redisClient, cfg.Redis.DedupTTL)))
	}
	if cfg.Stripe.WebhookSecret == "" {
		zap.L().Warn("stripe.webhook_secret is not set, stripe webhooks will be rejected")
	}
	apiHandler.Billing = billing.NewSynchronizer(db, fetcher, cfg.Stripe.WebhookSecret, cfg.Stripe.PlanForPrice, billingOpts...)

	if cfg.Google.ClientID != "" {
		apiHandler.OAuth = integrations.NewGoogleOAuth(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Server.PublicURL+"/api/auth/google/callback")
	}

	if cfg.Google.CalendarEnabled {
		calClient, err := integrations.NewCalendarClient(context.Background(), cfg.Google.ServiceAccountJSON, cfg.Google.CalendarID, cfg.App.BaseURL)
		if err != nil {
			zap.L().Fatal("Failed to initialise Google Calendar client", zap.Error(err))
		}
		apiHandler.Calendar = calClient
		zap.L().Info("Successfully authenticated with Google Calendar API.")
	}

	if level > zapcore.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	apiHandler.Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	zap.L().Info("Starting server", zap.String("port", cfg.Server.Port))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("Server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var once sync.Once

	cleanup := func(reason string) {
		zap.L().Info("Shutdown initiated", zap.String("reason", reason))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		zap.L().Info("Shutting down HTTP server...")
		if err := srv.Shutdown(ctx); err != nil {
			zap.L().Error("Error shutting down server", zap.Error(err))
		} else {
			zap.L().Info("HTTP server shut down gracefully.")
		}

		// Let in-flight calendar syncs finish before the database goes away.
		apiHandler.Drain()

		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				zap.L().Error("Error closing redis client", zap.Error(err))
			}
		}

		if sqlDB != nil {
			if err := sqlDB.Close(); err != nil {
				zap.L().Error("Error closing database", zap.Error(err))
			} else {
				zap.L().Info("Database connection closed.")
			}
		}
		close(done)
	}

	go func() {
		sig := <-sigCh

		// if a second signal is caught, exit immediately
		go func() {
			<-sigCh
			zap.L().Info("Second interrupt signal received. Exiting immediately.")
			os.Exit(1)
		}()

		once.Do(func() {
			cleanup(sig.String())
		})
	}()

	<-done
	zap.L().Info("Exiting...")
}
