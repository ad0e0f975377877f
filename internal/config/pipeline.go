package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// AudioConfig 音频上传限制
type AudioConfig struct {
	MaxBytes int64
}

func loadAudioConfig() (AudioConfig, error) {
	maxBytes, err := parseIntEnv("AUDIO_MAX_BYTES", 5<<20)
	if err != nil {
		return AudioConfig{}, err
	}
	if maxBytes <= 0 {
		return AudioConfig{}, fmt.Errorf("invalid AUDIO_MAX_BYTES value %d", maxBytes)
	}
	return AudioConfig{MaxBytes: int64(maxBytes)}, nil
}

// RetryConfig 持久化写入的重试策略
type RetryConfig struct {
	Attempts       int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
}

func loadRetryConfig() (RetryConfig, error) {
	attempts, err := parseIntEnv("RETRY_ATTEMPTS", 3)
	if err != nil {
		return RetryConfig{}, err
	}
	if attempts < 1 {
		return RetryConfig{}, fmt.Errorf("invalid RETRY_ATTEMPTS value %d: must be at least 1", attempts)
	}

	base, err := parseDurationMSEnv("RETRY_BASE_DELAY_MS", time.Second)
	if err != nil {
		return RetryConfig{}, err
	}
	attemptTimeout, err := parseDurationMSEnv("RETRY_ATTEMPT_TIMEOUT_MS", 10*time.Second)
	if err != nil {
		return RetryConfig{}, err
	}

	return RetryConfig{Attempts: attempts, BaseDelay: base, AttemptTimeout: attemptTimeout}, nil
}

// CatalogConfig 处方核对用的药品目录（csv 或 xlsx）
type CatalogConfig struct {
	Path string
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{Path: strings.TrimSpace(os.Getenv("MEDICATION_CATALOG_PATH"))}
}
