package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process settings read from the environment.
type Config struct {
	Port           string
	DatabaseURL    string
	JWTSecret      string
	RedisURL       string
	LookupRPM      int
	LookupBurst    int
	OutboxInterval time.Duration
	OutboxStream   string
	SeedPath       string
	// TrustProxy takes the client IP from X-Forwarded-For.
	TrustProxy     bool
}

// LoadDotEnv reads .env into the environment when present. Existing
// variables win.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
}

// Load reads the API configuration. DATABASE_URL and JWT_SECRET are required.
func Load() (Config, error) {
	cfg := Config{
		Port:         Get("PORT", "8080"),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JWTSecret:    strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RedisURL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
		OutboxStream: Get("OUTBOX_STREAM", "parceltrack:events"),
		SeedPath:     Get("SEED_PATH", "data/seeds/packages.json"),
	}

	var errs []error
	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	var err error
	if cfg.LookupRPM, err = GetInt("LOOKUP_RPM", 30); err != nil {
		errs = append(errs, err)
	}
	if cfg.LookupBurst, err = GetInt("LOOKUP_BURST", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutboxInterval, err = GetDuration("OUTBOX_INTERVAL", 2*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.TrustProxy, err = GetBool("TRUST_PROXY", false); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Get returns the variable or fallback when it is unset or blank.
func Get(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func GetInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func GetDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func GetBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}
