package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Payment  PaymentConfig
	QR       QRConfig
	Capacity CapacityConfig
	CheckIn  CheckInConfig
	Sweep    SweepConfig
	Auth     AuthConfig
	Offline  OfflineConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Driver       string // postgres | sqlite
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoCreate   bool
}

type RedisConfig struct {
	Addr             string
	CartTTL          time.Duration
	// ReconcileLockTTL caps how long a crashed reconciler blocks an order.
	ReconcileLockTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	RegistrationCompleted string
	RegistrationRefunded  string
	CheckInCompleted      string
	EmailNotifications    string
}

type PaymentConfig struct {
	Provider      string // smartgateway | stripe
	Currency      string
	StatusTimeout time.Duration
	// ResponseSecret keys the HMAC the hosted gateway puts on redirect responses.
	ResponseSecret string
	SmartGateway   SmartGatewayConfig
	Stripe         StripeConfig
}

type SmartGatewayConfig struct {
	BaseURL         string
	APIKey          string
	MerchantID      string
	ClientID        string
	ReturnURL       string
	WebhookUsername string
	WebhookPassword string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type QRConfig struct {
	OnlineSecret    string
	OfflineSecret   string
	ImageSize       int
	CampaignEnd     time.Time
	OfflineValidity time.Duration
}

type CapacityConfig struct {
	DecrementOnRefund bool
}

type CheckInConfig struct {
	EarlyEntry time.Duration
}

type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
	MinAge   time.Duration
	Batch    int
}

type AuthConfig struct {
	OIDCIssuer      string
	DevTokenSecret  string
	CoordinatorRole string
	AdminRole       string
}

type OfflineConfig struct {
	ReceiptPrefix string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", ":8085"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "postgres"),
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoCreate:   getEnvBool("DB_AUTO_CREATE", false),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			CartTTL: getEnvDuration("CART_TTL", 72*time.Hour),

			ReconcileLockTTL: getEnvDuration("RECONCILE_LOCK_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				RegistrationCompleted: getEnv("KAFKA_TOPIC_REGISTRATION_COMPLETED", "fest.registration.completed"),
				RegistrationRefunded:  getEnv("KAFKA_TOPIC_REGISTRATION_REFUNDED", "fest.registration.refunded"),
				CheckInCompleted:      getEnv("KAFKA_TOPIC_CHECKIN_COMPLETED", "fest.checkin.completed"),
				EmailNotifications:    getEnv("KAFKA_TOPIC_EMAIL", "fest.notifications.email"),
			},
		},
		Payment: PaymentConfig{
			Provider:       getEnv("PAYMENT_PROVIDER", "smartgateway"),
			Currency:       getEnv("PAYMENT_CURRENCY", "INR"),
			StatusTimeout:  getEnvDuration("PAYMENT_STATUS_TIMEOUT", 10*time.Second),
			ResponseSecret: getEnv("PAYMENT_RESPONSE_SECRET", ""),
			SmartGateway: SmartGatewayConfig{
				BaseURL:         getEnv("SMARTGATEWAY_BASE_URL", "https://smartgatewayuat.hdfcbank.com"),
				APIKey:          getEnv("SMARTGATEWAY_API_KEY", ""),
				MerchantID:      getEnv("SMARTGATEWAY_MERCHANT_ID", ""),
				ClientID:        getEnv("SMARTGATEWAY_CLIENT_ID", ""),
				ReturnURL:       getEnv("SMARTGATEWAY_RETURN_URL", "http://localhost:8085/payment/handleResponse"),
				WebhookUsername: getEnv("SMARTGATEWAY_WEBHOOK_USERNAME", ""),
				WebhookPassword: getEnv("SMARTGATEWAY_WEBHOOK_PASSWORD", ""),
			},
			Stripe: StripeConfig{
				SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
				WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		QR: QRConfig{
			OnlineSecret:    getEnv("QR_SECRET_KEY", ""),
			OfflineSecret:   getEnv("OFFLINE_QR_SECRET_KEY", ""),
			ImageSize:       getEnvInt("QR_IMAGE_SIZE", 512),
			CampaignEnd:     getEnvTime("FEST_END_DATE", time.Time{}),
			OfflineValidity: getEnvDuration("OFFLINE_QR_VALIDITY", 365*24*time.Hour),
		},
		Capacity: CapacityConfig{
			DecrementOnRefund: getEnvBool("CAPACITY_DECREMENT_ON_REFUND", false),
		},
		CheckIn: CheckInConfig{
			EarlyEntry: getEnvDuration("CHECKIN_EARLY_ENTRY", 2*time.Hour),
		},
		Sweep: SweepConfig{
			Enabled:  getEnvBool("SWEEP_ENABLED", false),
			Interval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			MinAge:   getEnvDuration("SWEEP_MIN_AGE", 15*time.Minute),
			Batch:    getEnvInt("SWEEP_BATCH", 50),
		},
		Auth: AuthConfig{
			OIDCIssuer:      getEnv("OIDC_ISSUER", ""),
			DevTokenSecret:  getEnv("AUTH_DEV_SECRET", ""),
			CoordinatorRole: getEnv("AUTH_COORDINATOR_ROLE", "coordinator"),
			AdminRole:       getEnv("AUTH_ADMIN_ROLE", "admin"),
		},
		Offline: OfflineConfig{
			ReceiptPrefix: getEnv("OFFLINE_RECEIPT_PREFIX", "FEST"),
		},
	}
}

// Validate reports every missing setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.DSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN not set"))
	}
	if c.QR.OnlineSecret == "" {
		errs = append(errs, errors.New("QR_SECRET_KEY not set"))
	}
	if c.QR.OfflineSecret == "" {
		errs = append(errs, errors.New("OFFLINE_QR_SECRET_KEY not set"))
	}
	if c.QR.OnlineSecret != "" && c.QR.OnlineSecret == c.QR.OfflineSecret {
		errs = append(errs, errors.New("QR_SECRET_KEY and OFFLINE_QR_SECRET_KEY must differ"))
	}
	if c.QR.CampaignEnd.IsZero() {
		errs = append(errs, errors.New("FEST_END_DATE not set"))
	}

	switch c.Payment.Provider {
	case "smartgateway":
		if c.Payment.SmartGateway.APIKey == "" || c.Payment.SmartGateway.MerchantID == "" {
			errs = append(errs, errors.New("SMARTGATEWAY_API_KEY and SMARTGATEWAY_MERCHANT_ID required"))
		}
		if c.Payment.ResponseSecret == "" {
			errs = append(errs, errors.New("PAYMENT_RESPONSE_SECRET not set"))
		}
	case "stripe":
		if c.Payment.Stripe.SecretKey == "" || c.Payment.Stripe.WebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Payment.Provider))
	}

	if c.Auth.OIDCIssuer == "" && c.Auth.DevTokenSecret == "" {
		errs = append(errs, errors.New("either OIDC_ISSUER or AUTH_DEV_SECRET must be set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvTime accepts RFC3339 or a bare date (end of that day, UTC).
func getEnvTime(key string, defaultValue time.Time) time.Time {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	if parsed, err := time.Parse("2006-01-02", value); err == nil {
		return parsed.Add(24*time.Hour - time.Second)
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
