package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment    string
	DBHost         string
	DBPort         string
	DBUsername     string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxConns     int32
	DBMinConns     int32
	DataDir        string
	KeyringService string
	DialTimeout    time.Duration
	SyncInterval   time.Duration
	Timezone       string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("SYNCD_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	dialTimeout, err := getEnvDuration("SYNCD_DIAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	syncInterval, err := getEnvDuration("SYNCD_SYNC_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	maxConns, err := getEnvInt32("SYNCD_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, err
	}

	minConns, err := getEnvInt32("SYNCD_DB_MIN_CONNS", 5)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:    env,
		DBHost:         getEnvOrDefault("SYNCD_DB_HOST", "localhost"),
		DBPort:         getEnvOrDefault("SYNCD_DB_PORT", "5432"),
		DBUsername:     getEnvOrDefault("SYNCD_DB_USER", "syncd"),
		DBPassword:     os.Getenv("SYNCD_DB_PASSWORD"),
		DBName:         getEnvOrDefault("SYNCD_DB_NAME", "syncd"),
		DBSSLMode:      getEnvOrDefault("SYNCD_DB_SSLMODE", "disable"),
		DBMaxConns:     maxConns,
		DBMinConns:     minConns,
		DataDir:        getEnvOrDefault("SYNCD_DATA_DIR", "./data"),
		KeyringService: getEnvOrDefault("SYNCD_KEYRING_SERVICE", "syncd"),
		DialTimeout:    dialTimeout,
		SyncInterval:   syncInterval,
		Timezone:       getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("SYNCD_DB_PASSWORD is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("SYNCD_DATA_DIR must not be empty")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("SYNCD_DIAL_TIMEOUT must be positive")
	}

	if c.DBMaxConns <= 0 {
		return fmt.Errorf("SYNCD_DB_MAX_CONNS must be positive")
	}

	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SYNCD_DB_MIN_CONNS must be between 0 and SYNCD_DB_MAX_CONNS")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	// Accept plain seconds for convenience, otherwise a Go duration string.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}

func getEnvInt32(key string, defaultValue int32) (int32, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid integer: %w", key, err)
	}
	return int32(n), nil
}
