package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит конфигурацию приложения
type Config struct {
	Environment string
	Server      ServerConfig
	MQTT        MQTTConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Engine      EngineConfig
	Auth        AuthConfig
	Monitoring  MonitoringConfig
	Features    FeaturesConfig
}

// ServerConfig конфигурация HTTP сервера
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    float64
	RateBurst    int
}

// MQTTConfig конфигурация MQTT
type MQTTConfig struct {
	Enabled        bool
	URL            string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	OrderMatters   bool
	TopicPrefix    string
	DeviceID       string
	ConnectTimeout time.Duration
}

// StorageConfig конфигурация хранилища сэмплов и профилей
type StorageConfig struct {
	Driver       string // sqlite, mysql, memory
	SQLitePath   string
	MySQLDSN     string
	MaxIdleConns int
	MaxOpenConns int
}

// RedisConfig конфигурация Redis (хранилище настроек)
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// EngineConfig конфигурация движка политики сэмплирования
type EngineConfig struct {
	QueueSize          int
	Units              string // metric или imperial
	PreferencesBackend string // memory или redis
}

// AuthConfig конфигурация аутентификации
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// MonitoringConfig конфигурация мониторинга
type MonitoringConfig struct {
	MetricsEnabled bool
}

// FeaturesConfig флаги функций
type FeaturesConfig struct {
	EnableProfiling bool
	EnableWebSocket bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8090"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RateLimit:    getFloat("SERVER_RATE_LIMIT", 100),
			RateBurst:    getInt("SERVER_RATE_BURST", 200),
		},
		MQTT: MQTTConfig{
			Enabled:        getBool("MQTT_ENABLED", true),
			URL:            getEnv("MQTT_URL", "tcp://localhost:1883"),
			ClientID:       getEnv("MQTT_CLIENT_ID", "geolog"),
			Username:       getEnv("MQTT_USERNAME", ""),
			Password:       getEnv("MQTT_PASSWORD", ""),
			CleanSession:   getBool("MQTT_CLEAN_SESSION", false),
			OrderMatters:   getBool("MQTT_ORDER_MATTERS", true),
			TopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "geolog"),
			DeviceID:       getEnv("MQTT_DEVICE_ID", "default"),
			ConnectTimeout: getDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
		},
		Storage: StorageConfig{
			Driver:       getEnv("STORAGE_DRIVER", "sqlite"),
			SQLitePath:   getEnv("SQLITE_PATH", "geolog.db"),
			MySQLDSN:     getEnv("MYSQL_DSN", ""),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", 5),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", 20),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			PoolSize: getInt("REDIS_POOL_SIZE", 10),
		},
		Engine: EngineConfig{
			QueueSize:          getInt("ENGINE_QUEUE_SIZE", 64),
			Units:              getEnv("ENGINE_UNITS", "metric"),
			PreferencesBackend: getEnv("PREFERENCES_BACKEND", "memory"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", "geolog"),
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: getBool("METRICS_ENABLED", true),
		},
		Features: FeaturesConfig{
			EnableProfiling: getBool("ENABLE_PROFILING", false),
			EnableWebSocket: getBool("ENABLE_WEBSOCKET", true),
		},
	}

	// Валидация
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("SERVER_ADDRESS is required")
	}

	if c.MQTT.Enabled && c.MQTT.URL == "" {
		return fmt.Errorf("MQTT_URL is required")
	}
	if c.MQTT.Enabled && c.MQTT.DeviceID == "" {
		return fmt.Errorf("MQTT_DEVICE_ID is required")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite storage")
		}
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for mysql storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}

	switch c.Engine.PreferencesBackend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for redis preferences")
		}
	default:
		return fmt.Errorf("unknown PREFERENCES_BACKEND %q", c.Engine.PreferencesBackend)
	}

	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("ENGINE_QUEUE_SIZE must be positive")
	}

	if c.Engine.Units != "metric" && c.Engine.Units != "imperial" {
		return fmt.Errorf("ENGINE_UNITS must be metric or imperial")
	}

	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return fmt.Errorf("SERVER_RATE_LIMIT and SERVER_RATE_BURST must be positive")
	}

	return nil
}

// Helper функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// LogLevel возвращает уровень логирования
func LogLevel() string {
	return getEnv("LOG_LEVEL", "info")
}

// LogFormat возвращает формат логирования
func LogFormat() string {
	return getEnv("LOG_FORMAT", "json")
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
