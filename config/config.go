// Package config loads every setting of the service from the environment.
// A .env file is read first when present, which keeps local development
// simple; in production the real environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config groups the settings by concern.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Session   SessionConfig
	Classes   ClassesConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Archive   ArchiveConfig
	Email     EmailConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
	// ShutdownRetryAfter is advertised to clients in the shutdown notice.
	ShutdownRetryAfter time.Duration
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string // e.g. ./data/qrattend.db
}

// JWTConfig holds the secret used to verify bearer tokens.
type JWTConfig struct {
	Secret string
}

// SessionConfig tunes the attendance protocol.
type SessionConfig struct {
	RotationInterval   time.Duration // default 1s
	RosterPollInterval time.Duration // default 15s, advertised to viewers
	EndedRetention     time.Duration // how long ended sessions stay in memory
	FingerprintKey     string        // key for device fingerprint digests
}

// ClassesConfig tunes the class directory cache.
type ClassesConfig struct {
	CacheTTL time.Duration
}

// RateLimitConfig bounds scan attempts per client IP.
type RateLimitConfig struct {
	ScanAttempts int
	ScanWindow   time.Duration
}

// LogConfig selects the zerolog level and console output.
type LogConfig struct {
	Level  string
	Pretty bool
}

// ArchiveConfig points at an S3-compatible bucket. Empty Endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether final exports are archived.
func (c ArchiveConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// EmailConfig configures the end-of-session report. Empty APIKey disables it.
type EmailConfig struct {
	ResendAPIKey string
	From         string
}

// Enabled reports whether reports are emailed.
func (c EmailConfig) Enabled() bool {
	return c.ResendAPIKey != "" && c.From != ""
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	cfg := &Config{}

	rotation, err := getDuration("TOKEN_ROTATION_INTERVAL", "1s")
	if err != nil {
		return nil, err
	}
	poll, err := getDuration("ROSTER_POLL_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}
	retention, err := getDuration("SESSION_ENDED_RETENTION", "10m")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getDuration("CLASS_CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}
	scanWindow, err := getDuration("SCAN_RATE_WINDOW", "10s")
	if err != nil {
		return nil, err
	}
	retryAfter, err := getDuration("SHUTDOWN_RETRY_AFTER", "5s")
	if err != nil {
		return nil, err
	}
	if rotation <= 0 {
		return nil, fmt.Errorf("TOKEN_ROTATION_INTERVAL must be positive")
	}
	if poll <= 0 {
		return nil, fmt.Errorf("ROSTER_POLL_INTERVAL must be positive")
	}

	scanAttempts, err := strconv.Atoi(getEnv("SCAN_RATE_LIMIT", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCAN_RATE_LIMIT: %w", err)
	}

	archiveSSL, err := strconv.ParseBool(getEnv("ARCHIVE_USE_SSL", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_USE_SSL: %w", err)
	}
	logPretty, err := strconv.ParseBool(getEnv("LOG_PRETTY", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}

	cfg.Server = ServerConfig{
		Host:               getEnv("SERVER_HOST", "0.0.0.0"),
		Port:               port,
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		ShutdownRetryAfter: retryAfter,
	}
	cfg.Database = DatabaseConfig{
		Path: getEnv("DATABASE_PATH", "./data/qrattend.db"),
	}
	cfg.JWT = JWTConfig{Secret: jwtSecret}
	cfg.Session = SessionConfig{
		RotationInterval:   rotation,
		RosterPollInterval: poll,
		EndedRetention:     retention,
		// Falling back to the JWT secret keeps digests stable across restarts.
		FingerprintKey: getEnv("FINGERPRINT_KEY", jwtSecret),
	}
	cfg.Classes = ClassesConfig{CacheTTL: cacheTTL}
	cfg.RateLimit = RateLimitConfig{ScanAttempts: scanAttempts, ScanWindow: scanWindow}
	cfg.Log = LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Pretty: logPretty,
	}
	cfg.Archive = ArchiveConfig{
		Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		AccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		SecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		Bucket:    getEnv("ARCHIVE_BUCKET", ""),
		UseSSL:    archiveSSL,
	}
	cfg.Email = EmailConfig{
		ResendAPIKey: getEnv("RESEND_API_KEY", ""),
		From:         getEnv("RESEND_FROM", ""),
	}

	return cfg, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv reads an environment variable with a fallback.
func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
