package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Shared secret for the internal wallet/verify endpoints. Not user auth.
	InternalAPISecret string

	Sepay SepayConfig
	Polar PolarConfig
}

// SepayConfig configures the Vietnamese bank-transfer gateway.
type SepayConfig struct {
	MerchantID string
	SecretKey  string
	APIURL     string
	ReturnURL  string
	CancelURL  string
	NotifyURL  string
}

// PolarConfig configures the hosted-checkout gateway.
type PolarConfig struct {
	AccessToken   string
	WebhookSecret string
	APIURL        string
	SuccessURL    string

	// Checkout product IDs mapped to internal plan codes.
	ProductStandardID string
	ProductPremiumID  string
	ProductLifetimeID string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	baseURL := getenv("PUBLIC_BASE_URL", "http://localhost:8080")

	return Config{
		AppName:     getenv("APP_SERVICE", "phopay"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		InternalAPISecret: strings.TrimSpace(getenv("INTERNAL_API_SECRET", "")),

		Sepay: SepayConfig{
			MerchantID: strings.TrimSpace(getenv("SEPAY_MERCHANT_ID", "")),
			SecretKey:  strings.TrimSpace(getenv("SEPAY_SECRET_KEY", "")),
			APIURL:     getenv("SEPAY_API_URL", "https://api.sepay.vn/v1"),
			ReturnURL:  getenv("SEPAY_RETURN_URL", baseURL+"/payment/success"),
			CancelURL:  getenv("SEPAY_CANCEL_URL", baseURL+"/payment/cancel"),
			NotifyURL:  getenv("SEPAY_NOTIFY_URL", baseURL+"/api/payment/sepay/webhook"),
		},
		Polar: PolarConfig{
			AccessToken:       strings.TrimSpace(getenv("POLAR_ACCESS_TOKEN", "")),
			WebhookSecret:     strings.TrimSpace(getenv("POLAR_WEBHOOK_SECRET", "")),
			APIURL:            getenv("POLAR_API_URL", "https://api.polar.sh/v1"),
			SuccessURL:        getenv("POLAR_SUCCESS_URL", baseURL+"/payment/success"),
			ProductStandardID: getenv("POLAR_PRODUCT_STANDARD_ID", "polar_standard"),
			ProductPremiumID:  getenv("POLAR_PRODUCT_PREMIUM_ID", "polar_premium"),
			ProductLifetimeID: getenv("POLAR_PRODUCT_LIFETIME_ID", "polar_lifetime"),
		},
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return parsed
}
