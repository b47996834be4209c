package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	OTP      OTPConfig
	WhatsApp WhatsAppConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type OTPConfig struct {
	Length             int
	Expiry             time.Duration
	MaxAttempts        int
	SendCooldown       time.Duration
	DefaultCountryCode string
}

type WhatsAppConfig struct {
	Endpoint     string
	AccessToken  string
	TemplateName string
	Timeout      time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is picked up when present. Missing or weak signing secrets abort
// startup rather than failing per-request.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "AuthGateTable"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 30*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:             getEnvAsInt("OTP_LENGTH", 6),
			Expiry:             getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:        getEnvAsInt("OTP_MAX_ATTEMPTS", 3),
			SendCooldown:       getEnvAsDuration("OTP_SEND_COOLDOWN", 60*time.Second),
			DefaultCountryCode: getEnv("OTP_DEFAULT_COUNTRY_CODE", "91"),
		},
		WhatsApp: WhatsAppConfig{
			Endpoint:     getEnv("WHATSAPP_API_ENDPOINT", ""),
			AccessToken:  getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			TemplateName: getEnv("WHATSAPP_TEMPLATE_NAME", "otp_login"),
			Timeout:      getEnvAsDuration("WHATSAPP_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.JWT.AccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET environment variable is required")
	}
	if cfg.JWT.RefreshSecret == "" {
		return nil, fmt.Errorf("JWT_REFRESH_SECRET environment variable is required")
	}
	if len(cfg.JWT.AccessSecret) < 32 || len(cfg.JWT.RefreshSecret) < 32 {
		return nil, fmt.Errorf("JWT signing secrets must be at least 32 bytes (256 bits)")
	}
	if cfg.JWT.AccessSecret == cfg.JWT.RefreshSecret {
		return nil, fmt.Errorf("JWT access and refresh secrets must differ")
	}

	if cfg.OTP.Length < 4 || cfg.OTP.Length > 8 {
		return nil, fmt.Errorf("OTP_LENGTH must be between 4 and 8")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
