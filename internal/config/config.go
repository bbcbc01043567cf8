package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Stripe       StripeConfig
	Payment      PaymentConfig
	Notification NotificationConfig
	Email        EmailConfig
	SMS          SMSConfig
	Auth         AuthConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	// DSN wins over the individual fields when set.
	DSN          string
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
}

func (d DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

type RedisConfig struct {
	Addr           string
	CommitClaimTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	Lifecycle string
	Push      string
}

type StripeConfig struct {
	SecretKey        string
	ConnectAccountID string
	WebhookSecret    string
}

type PaymentConfig struct {
	VendorDepositAmount int64
	RequesterAmount     int64
	Currency            string
}

type NotificationConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterPercent     int

	PushQueueSize     int
	PushFlushInterval time.Duration

	RedriveSchedule    string
	RedriveStaleAfter  time.Duration
	RedriveMaxAttempts int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	From         string
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	Sender     string
}

type AuthConfig struct {
	// OIDCIssuer empty disables bearer token checks.
	OIDCIssuer   string
	OIDCClientID string
	// HMACSecret enables HS256 service tokens for internal jobs.
	HMACSecret  string
	HMACIssuer  string
	CORSOrigins []string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8085"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			Username:     getEnv("DB_USERNAME", "booking_user"),
			Password:     getEnv("DB_PASSWORD", "booking_pass"),
			Database:     getEnv("DB_NAME", "booking"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoMigrate:  getEnvBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			CommitClaimTTL: getEnvDuration("COMMIT_CLAIM_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			GroupID: getEnv("KAFKA_GROUP_ID", "booking-notifications"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				Lifecycle: getEnv("KAFKA_TOPIC_LIFECYCLE", "reservations.lifecycle"),
				Push:      getEnv("KAFKA_TOPIC_PUSH", "notifications.push"),
			},
		},
		Stripe: StripeConfig{
			SecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
			ConnectAccountID: getEnv("STRIPE_CONNECT_ACCOUNT_ID", ""),
			WebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
		},
		Payment: PaymentConfig{
			VendorDepositAmount: getEnvInt64("VENDOR_DEPOSIT_AMOUNT", 500),
			RequesterAmount:     getEnvInt64("REQUESTER_AMOUNT", 1500),
			Currency:            strings.ToLower(getEnv("PAYMENT_CURRENCY", "usd")),
		},
		Notification: NotificationConfig{
			MaxAttempts:        getEnvInt("NOTIFY_MAX_ATTEMPTS", 5),
			InitialDelay:       getEnvDuration("NOTIFY_INITIAL_DELAY", time.Second),
			MaxDelay:           getEnvDuration("NOTIFY_MAX_DELAY", 60*time.Second),
			BackoffMultiplier:  getEnvFloat("NOTIFY_BACKOFF_MULTIPLIER", 2),
			JitterPercent:      getEnvInt("NOTIFY_JITTER_PERCENT", 20),
			PushQueueSize:      getEnvInt("PUSH_QUEUE_SIZE", 1024),
			PushFlushInterval:  getEnvDuration("PUSH_FLUSH_INTERVAL", 15*time.Second),
			RedriveSchedule:    getEnv("REDRIVE_SCHEDULE", "*/5 * * * *"),
			RedriveStaleAfter:  getEnvDuration("REDRIVE_STALE_AFTER", 30*time.Minute),
			RedriveMaxAttempts: getEnvInt("REDRIVE_MAX_ATTEMPTS", 20),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", "localhost"),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			From:         getEnv("SMTP_FROM", "no-reply@localhost"),
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			APIKey:     getEnv("SMS_API_KEY", ""),
			Sender:     getEnv("SMS_SENDER", ""),
		},
		Auth: AuthConfig{
			OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
			OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
			HMACSecret:   getEnv("AUTH_HMAC_SECRET", ""),
			HMACIssuer:   getEnv("AUTH_HMAC_ISSUER", "booking-service"),
			CORSOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "https://*,http://*")),
		},
	}
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
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
