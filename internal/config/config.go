package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Redis    RedisConfig    `toml:"redis"`
	Supplier SupplierConfig `toml:"supplier"`
	Quotes   QuotesConfig   `toml:"quotes"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `toml:"port"`
	Host string `toml:"host"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `toml:"host"`
	Port           string `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	DBName         string `toml:"dbname"`
	SSLMode        string `toml:"sslmode"`
	MigrationsPath string `toml:"migrations_path"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers     []string `toml:"brokers"`
	TradesTopic string   `toml:"trades_topic"`
	EventsTopic string   `toml:"events_topic"`
	GroupID     string   `toml:"group_id"`
	Enabled     bool     `toml:"enabled"`
}

// RedisConfig holds Redis configuration for the snapshot mirror
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
	Enabled   bool   `toml:"enabled"`
}

// SupplierConfig holds the price supplier HTTP client configuration
type SupplierConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	VsCurrency string `toml:"vs_currency"`
	RateLimit  int    `toml:"rate_limit"`
	Timeout    string `toml:"timeout"`
}

// QuotesConfig holds the quote cache configuration
type QuotesConfig struct {
	Instruments     []string `toml:"instruments"`
	RefreshInterval string   `toml:"refresh_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads configuration from defaults, an optional .env file, an optional
// TOML file named by PORTFOLIO_CONFIG, and finally environment variables.
func Load() (*Config, error) {
	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("PORTFOLIO_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "postgres",
			Password:       "postgres",
			DBName:         "portfolio",
			SSLMode:        "disable",
			MigrationsPath: "db/migrations",
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TradesTopic: "trade-events",
			EventsTopic: "portfolio-events",
			GroupID:     "portfolio-service",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "portfolio",
		},
		Supplier: SupplierConfig{
			BaseURL:    "https://api.coingecko.com/api/v3",
			VsCurrency: "usd",
			RateLimit:  5,
			Timeout:    "10s",
		},
		Quotes: QuotesConfig{
			Instruments:     []string{"bitcoin", "ethereum", "solana", "cardano", "ripple"},
			RefreshInterval: "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MigrationsPath = getEnv("DB_MIGRATIONS_PATH", c.Database.MigrationsPath)

	c.Kafka.Brokers = getEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.TradesTopic = getEnv("KAFKA_TRADES_TOPIC", c.Kafka.TradesTopic)
	c.Kafka.EventsTopic = getEnv("KAFKA_EVENTS_TOPIC", c.Kafka.EventsTopic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)
	c.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", c.Kafka.Enabled)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", c.Redis.KeyPrefix)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	c.Supplier.BaseURL = getEnv("SUPPLIER_BASE_URL", c.Supplier.BaseURL)
	c.Supplier.APIKey = getEnv("SUPPLIER_API_KEY", c.Supplier.APIKey)
	c.Supplier.VsCurrency = getEnv("SUPPLIER_VS_CURRENCY", c.Supplier.VsCurrency)
	c.Supplier.RateLimit = getEnvInt("SUPPLIER_RATE_LIMIT", c.Supplier.RateLimit)
	c.Supplier.Timeout = getEnv("SUPPLIER_TIMEOUT", c.Supplier.Timeout)

	c.Quotes.Instruments = getEnvList("QUOTES_INSTRUMENTS", c.Quotes.Instruments)
	c.Quotes.RefreshInterval = getEnv("QUOTES_REFRESH_INTERVAL", c.Quotes.RefreshInterval)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks values that cannot be defaulted at use time
func (c *Config) Validate() error {
	if len(c.Quotes.Instruments) == 0 {
		return fmt.Errorf("at least one instrument must be tracked")
	}
	d, err := time.ParseDuration(c.Quotes.RefreshInterval)
	if err != nil {
		return fmt.Errorf("invalid quotes refresh interval %q: %w", c.Quotes.RefreshInterval, err)
	}
	if d <= 0 {
		return fmt.Errorf("quotes refresh interval must be positive, got %s", d)
	}
	return nil
}

// GetRefreshInterval parses and returns the quote refresh interval
func (c *QuotesConfig) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// GetTimeout parses and returns the supplier timeout
func (c *SupplierConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Addr returns the HTTP listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
