package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingAPIKey     = errors.New("avatar API key is not set")
	ErrPlaceholderAPIKey = errors.New("avatar API key is a placeholder")
	ErrMalformedAPIKey   = errors.New("avatar API key is malformed")
)

// ValidationError reports a static configuration problem detected before any
// network call is made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Config contains all runtime settings for the avatar session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	APIKey      string
	APIBaseURL  string
	HTTPTimeout time.Duration

	AvatarName    string
	Quality       string
	APIVersion    string
	VideoEncoding string
	STTProvider   string
	STTConfidence float64
	STTLanguage   string
	OpeningText   string

	AdaptiveStream     bool
	SelectiveSubscribe bool

	DatabaseURL string
}

const defaultOpeningText = "Hi, I'm here with you. How are you feeling today?"

// LoadDotEnv loads .env style files into the process environment. Missing files
// are skipped; variables already present in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
// The API key is not validated here; session start reports a bad key.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "avatarlink"),
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		APIKey:                   stringsTrimSpace("AVATAR_API_KEY"),
		APIBaseURL:               strings.TrimRight(envOrDefault("AVATAR_API_BASE_URL", "https://api.heygen.com"), "/"),
		AvatarName:               envOrDefault("AVATAR_NAME", "Wayne_20240711"),
		Quality:                  strings.ToLower(envOrDefault("AVATAR_QUALITY", "high")),
		APIVersion:               envOrDefault("AVATAR_API_VERSION", "v2"),
		VideoEncoding:            strings.ToUpper(envOrDefault("AVATAR_VIDEO_ENCODING", "H264")),
		STTProvider:              envOrDefault("AVATAR_STT_PROVIDER", "deepgram"),
		STTConfidence:            0.55,
		STTLanguage:              envOrDefault("AVATAR_STT_LANGUAGE", "en"),
		OpeningText:              envOrDefault("AVATAR_OPENING_TEXT", defaultOpeningText),
		AdaptiveStream:           true,
		SelectiveSubscribe:       true,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		HTTPTimeout:              30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPTimeout, err = durationFromEnv("AVATAR_HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.AdaptiveStream, err = boolFromEnv("AVATAR_ADAPTIVE_STREAM", cfg.AdaptiveStream)
	if err != nil {
		return Config{}, err
	}
	cfg.SelectiveSubscribe, err = boolFromEnv("AVATAR_SELECTIVE_SUBSCRIBE", cfg.SelectiveSubscribe)
	if err != nil {
		return Config{}, err
	}
	cfg.STTConfidence, err = floatFromEnv("AVATAR_STT_CONFIDENCE", cfg.STTConfidence)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("AVATAR_HTTP_TIMEOUT must be positive")
	}
	if cfg.STTConfidence < 0 || cfg.STTConfidence > 1 {
		return Config{}, fmt.Errorf("AVATAR_STT_CONFIDENCE must be within [0,1]")
	}
	switch cfg.Quality {
	case "low", "medium", "high":
	default:
		return Config{}, fmt.Errorf("AVATAR_QUALITY must be one of low|medium|high, got %q", cfg.Quality)
	}
	switch cfg.VideoEncoding {
	case "H264", "VP8":
	default:
		return Config{}, fmt.Errorf("AVATAR_VIDEO_ENCODING must be H264 or VP8, got %q", cfg.VideoEncoding)
	}
	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return Config{}, fmt.Errorf("AVATAR_API_BASE_URL must be an http(s) URL")
	}

	return cfg, nil
}

var placeholderKeys = map[string]struct{}{
	"your_api_key":        {},
	"your-api-key":        {},
	"yourapikey":          {},
	"your_heygen_api_key": {},
	"api_key":             {},
	"apikey":              {},
	"changeme":            {},
	"replace_me":          {},
	"todo":                {},
	"placeholder":         {},
}

// ValidateAPIKey is the static validity check run before a session start.
func (c Config) ValidateAPIKey() error {
	return ValidateAPIKey(c.APIKey)
}

// ValidateAPIKey reports whether key looks like a real credential.
// Placeholders are recognized before the key is checked for whitespace.
func ValidateAPIKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return &ValidationError{Field: "AVATAR_API_KEY", Err: ErrMissingAPIKey}
	}
	lower := strings.ToLower(trimmed)
	if _, ok := placeholderKeys[lower]; ok {
		return &ValidationError{Field: "AVATAR_API_KEY", Err: ErrPlaceholderAPIKey}
	}
	if strings.HasPrefix(lower, "<") && strings.HasSuffix(lower, ">") {
		return &ValidationError{Field: "AVATAR_API_KEY", Err: ErrPlaceholderAPIKey}
	}
	if strings.Trim(lower, "x*.") == "" {
		return &ValidationError{Field: "AVATAR_API_KEY", Err: ErrPlaceholderAPIKey}
	}
	if trimmed != key || strings.ContainsAny(key, " \t\r\n") {
		return &ValidationError{Field: "AVATAR_API_KEY", Err: ErrMalformedAPIKey}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
