package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Redis       RedisConfig
	Postgres    PostgresConfig
	Firebase    FirebaseConfig
	Auth        AuthConfig
	AI          AIConfig
	Speech      SpeechConfig
	Translation TranslationConfig
	Audio       AudioConfig
	Retry       RetryConfig
	Catalog     CatalogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	loaders := []func(*Config) error{
		func(c *Config) (err error) { c.Server, err = loadServerConfig(); return },
		func(c *Config) (err error) { c.Log, err = loadLogConfig(); return },
		func(c *Config) (err error) { c.Redis, err = loadRedisConfig(); return },
		func(c *Config) (err error) { c.Postgres, err = loadPostgresConfig(); return },
		func(c *Config) (err error) { c.Firebase, err = loadFirebaseConfig(); return },
		func(c *Config) (err error) { c.AI, err = loadAIConfig(); return },
		func(c *Config) (err error) { c.Speech, err = loadSpeechConfig(); return },
		func(c *Config) (err error) { c.Translation, err = loadTranslationConfig(); return },
		func(c *Config) (err error) { c.Audio, err = loadAudioConfig(); return },
		func(c *Config) (err error) { c.Retry, err = loadRetryConfig(); return },
		func(c *Config) (err error) { c.Catalog = loadCatalogConfig(); return nil },
	}

	cfg := &Config{}
	for _, load := range loaders {
		if err := load(cfg); err != nil {
			return nil, err
		}
	}

	auth, err := loadAuthConfig(cfg.Firebase)
	if err != nil {
		return nil, err
	}
	cfg.Auth = auth

	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	PublicBaseURL   string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var addr string
	switch {
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	default:
		addr = ":" + port
	}

	shutdown, err := parseDurationMSEnv("SERVER_SHUTDOWN_TIMEOUT_MS", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	defaultBaseURL := "http://" + addr
	if strings.HasPrefix(addr, ":") {
		defaultBaseURL = "http://localhost" + addr
	}
	baseURL := getEnvOrDefault("PUBLIC_BASE_URL", defaultBaseURL)
	if !strings.Contains(baseURL, "://") {
		return ServerConfig{}, fmt.Errorf("invalid PUBLIC_BASE_URL value: %q", baseURL)
	}

	return ServerConfig{
		Addr:            addr,
		PublicBaseURL:   strings.TrimRight(baseURL, "/"),
		ShutdownTimeout: shutdown,
		AllowedOrigins:  splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
	}, nil
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string
	Format      string
	ServiceName string
}

func loadLogConfig() (LogConfig, error) {
	level := strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value: %q", level)
	}

	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json"))
	if format != "json" && format != "console" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value: %q", format)
	}

	return LogConfig{
		Level:       level,
		Format:      format,
		ServiceName: getEnvOrDefault("SERVICE_NAME", "curalink-api"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil || val == nil {
		return nil, err
	}
	result := float32(*val)
	return &result, nil
}

// parseDurationMSEnv 解析毫秒数
func parseDurationMSEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	ms, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if ms == nil {
		return defaultValue, nil
	}
	if *ms < 0 {
		return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, *ms)
	}
	return time.Duration(*ms) * time.Millisecond, nil
}
