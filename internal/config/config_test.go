package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIBaseURL != "https://api.heygen.com" {
		t.Fatalf("APIBaseURL = %q, want default", cfg.APIBaseURL)
	}
	if cfg.Quality != "high" || cfg.VideoEncoding != "H264" {
		t.Fatalf("Quality/VideoEncoding = %q/%q, want high/H264", cfg.Quality, cfg.VideoEncoding)
	}
	if cfg.STTConfidence != 0.55 {
		t.Fatalf("STTConfidence = %v, want 0.55", cfg.STTConfidence)
	}
	if !cfg.AdaptiveStream || !cfg.SelectiveSubscribe {
		t.Fatalf("AdaptiveStream/SelectiveSubscribe = %v/%v, want true/true", cfg.AdaptiveStream, cfg.SelectiveSubscribe)
	}
	if cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want 10m", cfg.SessionInactivityTimeout)
	}
}

func TestLoadDoesNotRejectMissingAPIKey(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.ValidateAPIKey(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("ValidateAPIKey() = %v, want ErrMissingAPIKey", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "quality", key: "AVATAR_QUALITY", value: "ultra"},
		{name: "encoding", key: "AVATAR_VIDEO_ENCODING", value: "AV1"},
		{name: "confidence", key: "AVATAR_STT_CONFIDENCE", value: "1.5"},
		{name: "inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", value: "1s"},
		{name: "base url", key: "AVATAR_API_BASE_URL", value: "ftp://example.test"},
		{name: "bool", key: "AVATAR_ADAPTIVE_STREAM", value: "maybe"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", tc.key, tc.value)
			}
		})
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want error
	}{
		{key: "", want: ErrMissingAPIKey},
		{key: "   ", want: ErrMissingAPIKey},
		{key: "YOUR_API_KEY", want: ErrPlaceholderAPIKey},
		{key: "changeme", want: ErrPlaceholderAPIKey},
		{key: "<api key>", want: ErrPlaceholderAPIKey},
		{key: " <Your API Key> ", want: ErrPlaceholderAPIKey},
		{key: "changeme\n", want: ErrPlaceholderAPIKey},
		{key: "**** ****", want: ErrMalformedAPIKey},
		{key: "xxxxxxxx", want: ErrPlaceholderAPIKey},
		{key: "abc def", want: ErrMalformedAPIKey},
		{key: " abc", want: ErrMalformedAPIKey},
		{key: "NjQ2ZTZhOWI1YjM0NDk2-1712345678", want: nil},
	}
	for _, tc := range tests {
		err := ValidateAPIKey(tc.key)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("ValidateAPIKey(%q) = %v, want nil", tc.key, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("ValidateAPIKey(%q) = %v, want %v", tc.key, err, tc.want)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "AVATAR_API_KEY" {
			t.Fatalf("ValidateAPIKey(%q) error = %#v, want *ValidationError for AVATAR_API_KEY", tc.key, err)
		}
	}
}

func TestLoadDotEnvSkipsMissingAndKeepsExisting(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("AVATAR_NAME=from_file\nAVATAR_QUALITY=low\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("AVATAR_QUALITY", "medium")
	os.Unsetenv("AVATAR_NAME")
	t.Cleanup(func() { os.Unsetenv("AVATAR_NAME") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AvatarName != "from_file" {
		t.Fatalf("AvatarName = %q, want %q", cfg.AvatarName, "from_file")
	}
	if cfg.Quality != "medium" {
		t.Fatalf("Quality = %q, want existing env value %q", cfg.Quality, "medium")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"AVATAR_API_KEY",
		"AVATAR_API_BASE_URL",
		"AVATAR_HTTP_TIMEOUT",
		"AVATAR_NAME",
		"AVATAR_QUALITY",
		"AVATAR_API_VERSION",
		"AVATAR_VIDEO_ENCODING",
		"AVATAR_STT_PROVIDER",
		"AVATAR_STT_CONFIDENCE",
		"AVATAR_STT_LANGUAGE",
		"AVATAR_OPENING_TEXT",
		"AVATAR_ADAPTIVE_STREAM",
		"AVATAR_SELECTIVE_SUBSCRIBE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
