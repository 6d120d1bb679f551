package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ms-registration/internal/api"
	"ms-registration/internal/auth"
	"ms-registration/internal/capacity"
	"ms-registration/internal/cart"
	"ms-registration/internal/checkin"
	"ms-registration/internal/config"
	"ms-registration/internal/database"
	"ms-registration/internal/kafka"
	"ms-registration/internal/logger"
	"ms-registration/internal/payment"
	"ms-registration/internal/qrcodec"
	"ms-registration/internal/registration"
	"ms-registration/internal/signature"
	"ms-registration/internal/sse"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
)

func verifyConnections(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client) {
	db, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	if cfg.Database.AutoCreate {
		if err := database.CreateSchema(ctx, db); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Failed to create schema: %v", err))
		}
		log.Info("DATABASE", "Schema ensured")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))
	return db, redisClient
}

func setupEvents(cfg config.KafkaConfig, log *logger.Logger) (*kafka.Events, func()) {
	if !cfg.Enabled {
		log.Warn("KAFKA", "Kafka disabled; domain events and emails will not be published")
		return kafka.NewEvents(kafka.NopPublisher{}, cfg.Topics, log), func() {}
	}

	topics := []string{
		cfg.Topics.RegistrationCompleted,
		cfg.Topics.RegistrationRefunded,
		cfg.Topics.CheckInCompleted,
		cfg.Topics.EmailNotifications,
	}
	if err := kafka.EnsureTopicsExist(cfg.Brokers, topics, log); err != nil {
		log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	} else {
		log.Info("KAFKA", "Required topics ensured successfully")
	}

	producer := kafka.NewProducer(cfg.Brokers)
	log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %v", cfg.Brokers))
	return kafka.NewEvents(producer, cfg.Topics, log), func() {
		if err := producer.Close(); err != nil {
			log.Error("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
	}
}

func newGateway(cfg config.PaymentConfig, signer *signature.Service) (payment.Gateway, error) {
	switch cfg.Provider {
	case "smartgateway":
		return payment.NewSmartGateway(cfg.SmartGateway, signer, &http.Client{Timeout: cfg.StatusTimeout}), nil
	case "stripe":
		return payment.NewStripeGateway(cfg.Stripe, cfg.Currency), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, rdb *redis.Client, log *logger.Logger) (auth.Verifier, error) {
	if cfg.OIDCIssuer == "" {
		log.Warn("AUTH", "OIDC_ISSUER not set; accepting HS256 development tokens")
		return auth.NewDevVerifier(cfg.DevTokenSecret), nil
	}
	v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, err
	}
	log.Info("AUTH", fmt.Sprintf("Verifying tokens issued by %s", cfg.OIDCIssuer))
	return auth.NewCachingVerifier(v, rdb, log), nil
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Registration Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("APP", "Verifying database connections")
	db, redisClient := verifyConnections(ctx, cfg, log)
	defer db.Close()
	defer redisClient.Close()

	events, closeEvents := setupEvents(cfg.Kafka, log)
	defer closeEvents()

	secrets := map[signature.Purpose]string{
		signature.PurposeOnlineQR:  cfg.QR.OnlineSecret,
		signature.PurposeOfflineQR: cfg.QR.OfflineSecret,
	}
	if cfg.Payment.ResponseSecret != "" {
		secrets[signature.PurposePaymentResponse] = cfg.Payment.ResponseSecret
	}
	signer, err := signature.New(secrets)
	if err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid signing secrets: %v", err))
	}

	codec := qrcodec.NewCodec(signer, cfg.QR.ImageSize)
	ledger := capacity.NewLedger()
	attendeeCart := cart.New(redisClient, cfg.Redis.CartTTL)

	registrations := registration.NewService(db, ledger, codec, attendeeCart, events, log, registration.Settings{
		CampaignEnd:       cfg.QR.CampaignEnd,
		OfflineValidity:   cfg.QR.OfflineValidity,
		DecrementOnRefund: cfg.Capacity.DecrementOnRefund,
		ReceiptPrefix:     cfg.Offline.ReceiptPrefix,
	})

	gateway, err := newGateway(cfg.Payment, signer)
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	log.Info("PAYMENT", fmt.Sprintf("Payment provider: %s", gateway.Name()))

	reconciler := payment.NewReconciler(gateway, registrations, cfg.Payment.StatusTimeout, log)
	reconciler.Lock = payment.NewOrderLock(redisClient, cfg.Redis.ReconcileLockTTL)
	feed := sse.NewFeed()
	engine := checkin.NewEngine(db, ledger, codec, checkin.Notifiers{events, feed}, log, cfg.CheckIn.EarlyEntry)

	verifier, err := newVerifier(ctx, cfg.Auth, redisClient, log)
	if err != nil {
		log.Fatal("AUTH", err.Error())
	}

	handler := &api.Handler{
		Registrations: registrations,
		Checkout:      payment.NewCheckout(registrations, gateway, attendeeCart, cfg.Payment.Currency, log),
		Reconciler:    reconciler,
		CheckIn:       engine,
		Cart:          attendeeCart,
		Feed:          feed,
		Logger:        log,
		Roles:         api.Roles{Coordinator: cfg.Auth.CoordinatorRole, Admin: cfg.Auth.AdminRole},
	}

	log.Info("HTTP", "Setting up router and middleware")
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(handler, verifier, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Sweep.Enabled {
		sweeper := &payment.Sweeper{
			Reconciler: reconciler,
			Lister:     registrations,
			Interval:   cfg.Sweep.Interval,
			MinAge:     cfg.Sweep.MinAge,
			Batch:      cfg.Sweep.Batch,
			Logger:     log,
		}
		go sweeper.Run(ctx)
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Registration Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Registration Service shutdown complete")
	}
}
