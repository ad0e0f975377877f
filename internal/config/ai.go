package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/curalink/backend/internal/model/speech"
)

// AIConfig 描述大模型相关配置，用于翻译与语种识别。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature, topP *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		// 翻译需要稳定输出
		zero := 0.0
		temperature = &zero
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID          string
	AccessToken    string
	ConcurrentMode bool
	ASRLanguage    string
	TTSVoice       string
	TTSVoices      map[string]string
	TTSSpeed       float32
	TTSVolume      float32
	TTSFormat      string
	Timeout        time.Duration
	ChunkInterval  time.Duration
	Enabled        bool
}

// Model 转换为语音客户端使用的配置
func (c SpeechConfig) Model() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:          c.AppID,
		AccessToken:    c.AccessToken,
		ConcurrentMode: c.ConcurrentMode,
		ASRLanguage:    c.ASRLanguage,
		TTSVoice:       c.TTSVoice,
		TTSVoices:      c.TTSVoices,
		TTSSpeed:       c.TTSSpeed,
		TTSVolume:      c.TTSVolume,
		TTSFormat:      c.TTSFormat,
		Timeout:        c.Timeout,
		ChunkInterval:  c.ChunkInterval,
	}
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeout, err := parseDurationMSEnv("SPEECH_TIMEOUT_MS", 30*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	chunkInterval, err := parseDurationMSEnv("SPEECH_ASR_CHUNK_INTERVAL_MS", 20*time.Millisecond)
	if err != nil {
		return SpeechConfig{}, err
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0)
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0)
	if volume != nil {
		ttsVolume = *volume
	}

	voices, err := parseVoiceMap(os.Getenv("SPEECH_TTS_VOICES"))
	if err != nil {
		return SpeechConfig{}, err
	}

	format := strings.ToLower(getEnvOrDefault("SPEECH_TTS_FORMAT", "mp3"))
	if format != "mp3" && format != "ogg_opus" && format != "pcm" {
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_TTS_FORMAT value: %q", format)
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		AppID:          appID,
		AccessToken:    accessToken,
		ConcurrentMode: concurrent,
		ASRLanguage:    strings.TrimSpace(os.Getenv("SPEECH_ASR_LANGUAGE")),
		TTSVoice:       getEnvOrDefault("SPEECH_TTS_VOICE", "en_female_amy_jupiter_bigtts"),
		TTSVoices:      voices,
		TTSSpeed:       ttsSpeed,
		TTSVolume:      ttsVolume,
		TTSFormat:      format,
		Timeout:        timeout,
		ChunkInterval:  chunkInterval,
		Enabled:        appID != "" && accessToken != "",
	}, nil
}

// parseVoiceMap 解析 "en=voiceA,zh=voiceB" 形式的语种音色映射。
func parseVoiceMap(raw string) (map[string]string, error) {
	voices := map[string]string{}
	for _, pair := range splitList(raw) {
		lang, voice, ok := strings.Cut(pair, "=")
		lang, voice = strings.ToLower(strings.TrimSpace(lang)), strings.TrimSpace(voice)
		if !ok || lang == "" || voice == "" {
			return nil, fmt.Errorf("invalid SPEECH_TTS_VOICES entry %q", pair)
		}
		voices[lang] = voice
	}
	return voices, nil
}

// TranslationConfig 翻译提供方
type TranslationConfig struct {
	Provider          string // ark | http | none
	HTTPBaseURL       string
	HTTPAPIKey        string
	HTTPTimeout       time.Duration
	CanonicalLanguage string
}

func loadTranslationConfig() (TranslationConfig, error) {
	timeout, err := parseDurationMSEnv("TRANSLATION_HTTP_TIMEOUT_MS", 10*time.Second)
	if err != nil {
		return TranslationConfig{}, err
	}

	cfg := TranslationConfig{
		Provider:          strings.ToLower(getEnvOrDefault("TRANSLATION_PROVIDER", "ark")),
		HTTPBaseURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("TRANSLATION_HTTP_BASE_URL")), "/"),
		HTTPAPIKey:        strings.TrimSpace(os.Getenv("TRANSLATION_HTTP_API_KEY")),
		HTTPTimeout:       timeout,
		CanonicalLanguage: getEnvOrDefault("CANONICAL_LANGUAGE", "en"),
	}

	switch cfg.Provider {
	case "ark", "none":
	case "http":
		if cfg.HTTPBaseURL == "" {
			return TranslationConfig{}, fmt.Errorf("TRANSLATION_HTTP_BASE_URL is required for the http translation provider")
		}
	default:
		return TranslationConfig{}, fmt.Errorf("invalid TRANSLATION_PROVIDER value: %q", cfg.Provider)
	}
	return cfg, nil
}
