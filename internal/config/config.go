// Package config loads runtime settings from the environment, optionally
// seeded from a .env file. Credentials support *_FILE indirection so secrets
// can be mounted as files instead of living in the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	CoinbaseAPIKey    string
	CoinbaseAPISecret string
	CoinbaseSandbox   bool

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string
	DBTable    string

	OutputDir string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads envFile (when non-empty and present) into the process
// environment, then assembles a Config. A missing env file is not an error;
// the environment alone is a valid source.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
			}
			slog.Debug("env file not found, using environment only", "path", envFile)
		}
	}

	apiKey, err := getSecret("COINBASE_API_KEY")
	if err != nil {
		return nil, err
	}
	apiSecret, err := getSecret("COINBASE_API_SECRET")
	if err != nil {
		return nil, err
	}
	dbPassword, err := getSecret("DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	return &Config{
		CoinbaseAPIKey:    apiKey,
		CoinbaseAPISecret: apiSecret,
		CoinbaseSandbox:   GetBool("COINBASE_SANDBOX", false),

		DBHost:     GetString("DB_HOST", "localhost"),
		DBPort:     GetInt("DB_PORT", 5432),
		DBName:     GetString("DB_NAME", "crypto"),
		DBUser:     GetString("DB_USER", "postgres"),
		DBPassword: dbPassword,
		DBSchema:   GetString("DB_SCHEMA", "public"),
		DBTable:    GetString("DB_TABLE", "crypto_prices"),

		OutputDir: GetString("OUTPUT_DIR", "output"),

		LogLevel:  GetString("LOG_LEVEL", "info"),
		LogFormat: GetString("LOG_FORMAT", "text"),
		LogFile:   GetString("LOG_FILE", ""),
	}, nil
}

// GetString returns the value of key, or fallback when unset or empty.
func GetString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetInt returns the integer value of key. Unset, empty, or unparseable
// values fall back, with a warning for the unparseable case.
func GetInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback",
			"key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}

// GetBool returns the boolean value of key, accepting the forms
// strconv.ParseBool does. Unset, empty, or unparseable values fall back.
func GetBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		slog.Warn("invalid boolean in environment, using fallback",
			"key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return b
}

// getSecret resolves a credential: when KEY_FILE is set its file contents
// win, otherwise the KEY variable itself is used. A KEY_FILE that cannot be
// read is an error rather than a silent fallback, since it signals a broken
// secret mount.
func getSecret(key string) (string, error) {
	if path := os.Getenv(key + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s_FILE %s: %w", key, path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv(key), nil
}
