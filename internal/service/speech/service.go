package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	speechmodel "github.com/zhouzirui/curalink/backend/internal/model/speech"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
)

// Service 语音服务，为音频管线提供识别与合成能力
type Service struct {
	config *speechmodel.SpeechConfig
	asr    *ASRClient
	tts    *TTSClient
	logger *zap.Logger
}

var (
	_ audio.Transcriber = (*Service)(nil)
	_ audio.Synthesizer = (*Service)(nil)
)

// NewService 创建语音服务实例
func NewService(config *speechmodel.SpeechConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("speech")
	return &Service{
		config: config,
		asr:    NewASRClient(config, logger),
		tts:    NewTTSClient(config, logger),
		logger: logger,
	}
}

// Transcribe 语音转文字
func (s *Service) Transcribe(ctx context.Context, data []byte, languageHint string) (audio.Transcript, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.asr.Recognize(ctx, &speechmodel.RecognizeRequest{
		RequestID: uuid.NewString(),
		Audio:     data,
		Format:    "wav",
		Language:  volcLanguage(languageHint),
	})
	if err != nil {
		return audio.Transcript{}, fmt.Errorf("transcribe: %w", err)
	}

	s.logger.Debug("transcribed", zap.String("request_id", result.RequestID), zap.Int64("duration_ms", result.Duration))
	return audio.Transcript{Text: result.Text, Language: result.Language}, nil
}

// Synthesize 文字转语音
func (s *Service) Synthesize(ctx context.Context, text, languageCode string) (audio.Speech, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	base := baseLanguage(languageCode)
	result, err := s.tts.Synthesize(ctx, &speechmodel.SynthesisRequest{
		RequestID: uuid.NewString(),
		Text:      text,
		Voice:     s.config.VoiceFor(base),
		Language:  volcLanguage(languageCode),
	})
	if err != nil {
		return audio.Speech{}, fmt.Errorf("synthesize: %w", err)
	}

	return audio.Speech{Data: result.Audio, Format: result.Format, ContentType: contentTypeFor(result.Format)}, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.Timeout > 0 {
		return context.WithTimeout(ctx, s.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// volcLanguage 将 "en" / "en_us" 之类的语种码规范为 "en-US"；无法识别时返回空串（自动识别）。
func volcLanguage(code string) string {
	code = strings.TrimSpace(strings.ReplaceAll(code, "_", "-"))
	if code == "" || strings.EqualFold(code, "auto") {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	region, _ := tag.Region()
	return base.String() + "-" + region.String()
}

func baseLanguage(code string) string {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(code), "_", "-"))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(code))
	}
	base, _ := tag.Base()
	return base.String()
}

func contentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "ogg_opus":
		return "audio/ogg"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
