package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Server.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("PublicBaseURL = %q", cfg.Server.PublicBaseURL)
	}
	if cfg.Audio.MaxBytes != 5<<20 {
		t.Fatalf("MaxBytes = %d, want 5 MiB", cfg.Audio.MaxBytes)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.BaseDelay != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Translation.CanonicalLanguage != "en" {
		t.Fatalf("CanonicalLanguage = %q, want en", cfg.Translation.CanonicalLanguage)
	}
	if cfg.Auth.Provider != "jwt" {
		t.Fatalf("Auth.Provider = %q, want jwt", cfg.Auth.Provider)
	}
	if cfg.Speech.Enabled {
		t.Fatalf("speech should be disabled without credentials")
	}
}

func TestLoadServerAddr(t *testing.T) {
	cases := map[string]string{
		"9090":           ":9090",
		":7070":          ":7070",
		"127.0.0.1:6060": "127.0.0.1:6060",
	}
	for port, want := range cases {
		t.Setenv("PORT", port)
		got, err := loadServerConfig()
		if err != nil {
			t.Fatalf("PORT=%q: unexpected error %v", port, err)
		}
		if got.Addr != want {
			t.Fatalf("PORT=%q: Addr = %q, want %q", port, got.Addr, want)
		}
	}

	t.Setenv("PORT", "80 80")
	if _, err := loadServerConfig(); err == nil {
		t.Fatalf("expected error for PORT with spaces")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"RETRY_ATTEMPTS", "0"},
		{"RETRY_BASE_DELAY_MS", "soon"},
		{"AUDIO_MAX_BYTES", "-1"},
		{"LOG_LEVEL", "loud"},
		{"TRANSLATION_PROVIDER", "carrier-pigeon"},
		{"POSTGRES_PORT", "70000"},
		{"FIREBASE_STORAGE_ENABLED", "maybe"},
		{"SPEECH_TTS_VOICES", "en"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestLoadAuthProvider(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when jwt secret missing")
	}

	t.Setenv("FIREBASE_AUTH_ENABLED", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.Provider != "firebase" {
		t.Fatalf("Auth.Provider = %q, want firebase", cfg.Auth.Provider)
	}
}

func TestHTTPTranslationRequiresBaseURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TRANSLATION_PROVIDER", "http")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without TRANSLATION_HTTP_BASE_URL")
	}

	t.Setenv("TRANSLATION_HTTP_BASE_URL", "http://translate.local/")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Translation.HTTPBaseURL != "http://translate.local" {
		t.Fatalf("HTTPBaseURL = %q", cfg.Translation.HTTPBaseURL)
	}
}

func TestParseVoiceMap(t *testing.T) {
	voices, err := parseVoiceMap("en=en_female_amy, ZH = zh_female_vv")
	if err != nil {
		t.Fatalf("parseVoiceMap returned error: %v", err)
	}
	if voices["en"] != "en_female_amy" || voices["zh"] != "zh_female_vv" {
		t.Fatalf("unexpected voices: %#v", voices)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "curalink", SSLMode: "disable"}
	want := "host=db port=5433 user=u password=p dbname=curalink sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
}
