package config

import (
	"fmt"
	"os"
	"strings"
)

// RedisConfig Redis 连接配置，blob 存储与实时推送共用。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	if db < 0 {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB value %d", db)
	}

	return RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

// PostgresConfig 用户目录与分配关系所在的数据库。
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
	Migrate  bool
}

// DSN 返回 lib/pq 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func loadPostgresConfig() (PostgresConfig, error) {
	port, err := parseIntEnv("POSTGRES_PORT", 5432)
	if err != nil {
		return PostgresConfig{}, err
	}
	if port <= 0 || port > 65535 {
		return PostgresConfig{}, fmt.Errorf("invalid POSTGRES_PORT value %d", port)
	}

	maxConns, err := parseIntEnv("POSTGRES_MAX_CONNS", 10)
	if err != nil {
		return PostgresConfig{}, err
	}
	maxIdle, err := parseIntEnv("POSTGRES_MAX_IDLE", 5)
	if err != nil {
		return PostgresConfig{}, err
	}
	migrate, err := parseBoolEnv("POSTGRES_MIGRATE", false)
	if err != nil {
		return PostgresConfig{}, err
	}

	return PostgresConfig{
		Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: getEnvOrDefault("POSTGRES_DB", "curalink"),
		SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		MaxConns: maxConns,
		MaxIdle:  maxIdle,
		Migrate:  migrate,
	}, nil
}

// FirebaseConfig Firebase 项目配置，三个能力可分别开启。
type FirebaseConfig struct {
	ProjectID        string
	CredentialsFile  string
	Bucket           string
	AuthEnabled      bool
	StorageEnabled   bool
	MessagingEnabled bool
}

// Enabled 表示是否需要初始化 Firebase App。
func (c FirebaseConfig) Enabled() bool {
	return c.AuthEnabled || c.StorageEnabled || c.MessagingEnabled
}

func loadFirebaseConfig() (FirebaseConfig, error) {
	authEnabled, err := parseBoolEnv("FIREBASE_AUTH_ENABLED", false)
	if err != nil {
		return FirebaseConfig{}, err
	}
	storageEnabled, err := parseBoolEnv("FIREBASE_STORAGE_ENABLED", false)
	if err != nil {
		return FirebaseConfig{}, err
	}
	messagingEnabled, err := parseBoolEnv("FIREBASE_MESSAGING_ENABLED", false)
	if err != nil {
		return FirebaseConfig{}, err
	}

	cfg := FirebaseConfig{
		ProjectID:        strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID")),
		CredentialsFile:  strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		Bucket:           strings.TrimSpace(os.Getenv("FIREBASE_STORAGE_BUCKET")),
		AuthEnabled:      authEnabled,
		StorageEnabled:   storageEnabled,
		MessagingEnabled: messagingEnabled,
	}

	if cfg.StorageEnabled && cfg.Bucket == "" {
		return FirebaseConfig{}, fmt.Errorf("FIREBASE_STORAGE_BUCKET is required when FIREBASE_STORAGE_ENABLED is set")
	}
	return cfg, nil
}

// AuthConfig 令牌校验配置
type AuthConfig struct {
	Provider  string // jwt | firebase
	JWTSecret string
	Issuer    string
}

func loadAuthConfig(firebase FirebaseConfig) (AuthConfig, error) {
	defaultProvider := "jwt"
	if firebase.AuthEnabled {
		defaultProvider = "firebase"
	}

	cfg := AuthConfig{
		Provider:  strings.ToLower(getEnvOrDefault("AUTH_PROVIDER", defaultProvider)),
		JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		Issuer:    getEnvOrDefault("AUTH_JWT_ISSUER", "curalink"),
	}

	switch cfg.Provider {
	case "jwt":
		if cfg.JWTSecret == "" {
			return AuthConfig{}, fmt.Errorf("AUTH_JWT_SECRET is required for the jwt auth provider")
		}
	case "firebase":
		if !firebase.AuthEnabled {
			return AuthConfig{}, fmt.Errorf("AUTH_PROVIDER=firebase requires FIREBASE_AUTH_ENABLED")
		}
	default:
		return AuthConfig{}, fmt.Errorf("invalid AUTH_PROVIDER value: %q", cfg.Provider)
	}
	return cfg, nil
}
