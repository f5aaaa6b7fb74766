package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string
	KafkaGroup          string

	PGDSN         string
	RunMigrations bool

	DefaultSpeedMps float64
	OSRMEndpoint    string

	CommissionMinRate     decimal.Decimal
	CommissionMaxRate     decimal.Decimal
	CommissionInitialRate decimal.Decimal

	ShareWait     time.Duration
	ShareRadiusKm float64
	LockTimeout   time.Duration

	FareConfigFile string
	StripeAPIKey   string

	LogLevel string
}

// ConsumerConfig configures the standalone presence consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		KafkaLocationsTopic:   "driver-locations",
		KafkaEventsTopic:      "ride-events",
		KafkaGroup:            "ride-settlement",
		DefaultSpeedMps:       8,
		CommissionMinRate:     decimal.RequireFromString("0.15"),
		CommissionMaxRate:     decimal.RequireFromString("0.18"),
		CommissionInitialRate: decimal.RequireFromString("0.15"),
		ShareWait:             30 * time.Second,
		ShareRadiusKm:         1.5,
		LockTimeout:           2 * time.Second,
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))

	setRateFromEnv(&cfg.CommissionMinRate, "COMMISSION_MIN_RATE", &errs)
	setRateFromEnv(&cfg.CommissionMaxRate, "COMMISSION_MAX_RATE", &errs)
	setRateFromEnv(&cfg.CommissionInitialRate, "COMMISSION_RATE", &errs)

	setDurationFromEnv(&cfg.ShareWait, "SHARE_SEARCH_WAIT", &errs)
	setFloatFromEnv(&cfg.ShareRadiusKm, "SHARE_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.LockTimeout, "LOCK_TIMEOUT", &errs)

	cfg.FareConfigFile = strings.TrimSpace(os.Getenv("FARE_CONFIG_FILE"))
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.CommissionMinRate.GreaterThan(cfg.CommissionMaxRate) {
		errs = append(errs, fmt.Errorf("COMMISSION_MIN_RATE %s exceeds COMMISSION_MAX_RATE %s", cfg.CommissionMinRate, cfg.CommissionMaxRate))
	}
	if cfg.CommissionInitialRate.LessThan(cfg.CommissionMinRate) || cfg.CommissionInitialRate.GreaterThan(cfg.CommissionMaxRate) {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE %s outside [%s, %s]", cfg.CommissionInitialRate, cfg.CommissionMinRate, cfg.CommissionMaxRate))
	}
	if cfg.ShareWait <= 0 {
		errs = append(errs, fmt.Errorf("SHARE_SEARCH_WAIT must be > 0"))
	}
	if cfg.ShareRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SHARE_RADIUS_KM must be > 0"))
	}
	if cfg.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-settlement-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS is empty")
	}
	return cfg, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setRateFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
