package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
	}
	RabbitMQ struct {
		Host     string
		Port     int
		User     string
		Password string
	}
	Server struct {
		Port     int
		LogLevel string
	}
	JWT struct {
		Secret     string
		AccessTTL  time.Duration
		RefreshTTL time.Duration
	}
	Dispatch struct {
		// ConfirmCodeRequired gates whether pickup confirmation and
		// in-progress cancellations must present the order's confirm code.
		ConfirmCodeRequired bool
		SettingsCacheTTL    time.Duration
	}
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "cargohail_user")
	cfg.Database.Password = getEnv("DB_PASSWORD", "cargohail_pass")
	cfg.Database.Name = getEnv("DB_NAME", "cargohail_db")

	cfg.RabbitMQ.Host = getEnv("RABBITMQ_HOST", "localhost")
	cfg.RabbitMQ.Port = getEnvInt("RABBITMQ_PORT", 5672)
	cfg.RabbitMQ.User = getEnv("RABBITMQ_USER", "guest")
	cfg.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", "guest")

	cfg.Server.Port = getEnvInt("DISPATCH_SERVICE_PORT", 8080)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.JWT.Secret = getEnv("JWT_SECRET", "super-secret-key")
	cfg.JWT.AccessTTL = time.Duration(getEnvInt("JWT_ACCESS_TTL_MINUTES", 60)) * time.Minute
	cfg.JWT.RefreshTTL = time.Duration(getEnvInt("JWT_REFRESH_TTL_HOURS", 24*7)) * time.Hour

	cfg.Dispatch.ConfirmCodeRequired = getEnvBool("CONFIRM_CODE_REQUIRED", true)
	cfg.Dispatch.SettingsCacheTTL = time.Duration(getEnvInt("SETTINGS_CACHE_TTL_SECONDS", 60)) * time.Second

	return cfg, nil
}
