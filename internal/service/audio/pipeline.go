// Package audio turns recorded speech into text that can be appended to a
// conversation, and text back into speech.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/service/translation"
	"github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

const (
	// UnavailableTranscript replaces the transcript when speech-to-text cannot run.
	UnavailableTranscript = "[transcription unavailable]"

	WarningTranscriptionUnavailable = "transcription_unavailable"
	WarningTranslationUnavailable   = "translation_unavailable"

	// DefaultMaxBytes is the submission size limit.
	DefaultMaxBytes int64 = 5 << 20

	wavContentType = "audio/wav"
)

var wavAliases = map[string]bool{
	"audio/wav":      true,
	"audio/x-wav":    true,
	"audio/wave":     true,
	"audio/vnd.wave": true,
}

// Submission is one uploaded recording.
type Submission struct {
	Data             []byte
	ContentType      string
	DeclaredLanguage string
	SubmitterUID     string
}

// Result is the outcome of Ingest. Warnings lists degraded steps; it is never an error.
type Result struct {
	Transcript       string   `json:"transcript"`
	DetectedLanguage string   `json:"detectedLanguage"`
	TranslatedText   string   `json:"translatedText"`
	AudioURL         string   `json:"audioUrl"`
	Warnings         []string `json:"warnings"`
}

// Config tunes the pipeline.
type Config struct {
	MaxBytes          int64
	CanonicalLanguage string
}

// Dependencies are the external services. Any of the speech or language services
// may be nil, in which case the step degrades.
type Dependencies struct {
	Blobs       blob.Store
	Transcriber Transcriber
	Translator  Translator
	Detector    Detector
	Synthesizer Synthesizer
}

// Pipeline 音频处理流水线
type Pipeline struct {
	deps      Dependencies
	uploads   *retry.Writer
	maxBytes  int64
	canonical string
	logger    *zap.Logger

	mu       sync.Mutex
	lastNano int64
	now      func() time.Time
}

// NewPipeline creates the pipeline. Uploads retry with exponential backoff.
func NewPipeline(deps Dependencies, writer *retry.Writer, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	canonical := translation.Normalize(cfg.CanonicalLanguage)
	if canonical == "" {
		canonical = "en"
	}
	return &Pipeline{
		deps:      deps,
		uploads:   writer.With(retry.Exponential),
		maxBytes:  cfg.MaxBytes,
		canonical: canonical,
		logger:    logger,
		now:       time.Now,
	}
}

// CanonicalLanguage is the language every transcript is translated into.
func (p *Pipeline) CanonicalLanguage() string { return p.canonical }

// Validate checks a submission without calling any external service.
func (p *Pipeline) Validate(sub Submission) error {
	const op = "audio.validate"

	if len(sub.Data) == 0 {
		return apperr.InvalidInput(op, "audio payload is empty")
	}
	if int64(len(sub.Data)) > p.maxBytes {
		return apperr.InvalidInput(op, fmt.Sprintf("audio payload exceeds %d bytes", p.maxBytes))
	}
	if !validPathSegment(sub.SubmitterUID) {
		return apperr.InvalidInput(op, "submitter uid is required")
	}
	if !acceptedContentType(sub.ContentType) || !isWAV(sub.Data) {
		return apperr.New(apperr.KindUnsupportedMediaType, op, "only WAV audio is supported")
	}
	return nil
}

// Ingest stores the recording, transcribes it and translates the transcript into the
// canonical language. Only validation and storage failures are errors.
func (p *Pipeline) Ingest(ctx context.Context, sub Submission) (Result, error) {
	const op = "audio.ingest"

	if err := p.Validate(sub); err != nil {
		return Result{}, err
	}

	path := fmt.Sprintf("audio/%s/%d.wav", sub.SubmitterUID, p.nextNano())
	if err := p.upload(ctx, op, path, sub.Data, wavContentType); err != nil {
		return Result{}, err
	}

	result := Result{AudioURL: p.deps.Blobs.URL(path), Warnings: []string{}}
	declared := normalizeHint(sub.DeclaredLanguage)

	transcript, ok := p.transcribe(ctx, sub.Data, declared)
	if !ok {
		result.Transcript = UnavailableTranscript
		result.TranslatedText = UnavailableTranscript
		result.DetectedLanguage = firstNonEmpty(declared, p.canonical)
		result.Warnings = append(result.Warnings, WarningTranscriptionUnavailable)
		return result, nil
	}
	result.Transcript = transcript.Text

	result.DetectedLanguage = firstNonEmpty(translation.Normalize(transcript.Language), declared)
	if result.DetectedLanguage == "" {
		result.DetectedLanguage = firstNonEmpty(p.detect(ctx, transcript.Text), p.canonical)
	}

	if translation.SameLanguage(result.DetectedLanguage, p.canonical) {
		result.TranslatedText = transcript.Text
		return result, nil
	}

	translated, err := p.translate(ctx, transcript.Text, result.DetectedLanguage, p.canonical)
	if err != nil {
		p.logger.Warn("translation unavailable, keeping transcript",
			zap.String("from", result.DetectedLanguage),
			zap.String("to", p.canonical),
			zap.Error(err),
		)
		result.TranslatedText = transcript.Text
		result.Warnings = append(result.Warnings, WarningTranslationUnavailable)
		return result, nil
	}
	result.TranslatedText = translated
	return result, nil
}

// Synthesize converts text to speech, stores it and returns its URL.
func (p *Pipeline) Synthesize(ctx context.Context, text, languageCode, submitterUID string) (string, error) {
	const op = "audio.synthesize"

	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.InvalidInput(op, "text is required")
	}
	if !validPathSegment(submitterUID) {
		return "", apperr.InvalidInput(op, "submitter uid is required")
	}
	if p.deps.Synthesizer == nil {
		return "", apperr.New(apperr.KindServiceUnavailable, op, "speech synthesis is not configured")
	}

	language := firstNonEmpty(translation.Normalize(languageCode), p.canonical)
	speech, err := p.deps.Synthesizer.Synthesize(ctx, text, language)
	if err != nil {
		return "", apperr.Wrap(apperr.KindServiceUnavailable, op, err)
	}
	if len(speech.Data) == 0 {
		return "", apperr.New(apperr.KindServiceUnavailable, op, "speech synthesis returned no audio")
	}

	format := firstNonEmpty(speech.Format, "mp3")
	contentType := firstNonEmpty(speech.ContentType, "application/octet-stream")
	path := fmt.Sprintf("tts/%s/%d.%s", submitterUID, p.nextNano(), format)
	if err := p.upload(ctx, op, path, speech.Data, contentType); err != nil {
		return "", err
	}
	return p.deps.Blobs.URL(path), nil
}

// TranslateFreeText translates text; when both languages are the same it is returned as is.
func (p *Pipeline) TranslateFreeText(ctx context.Context, text, from, to string) (string, error) {
	const op = "audio.translate"

	if strings.TrimSpace(text) == "" {
		return "", apperr.InvalidInput(op, "text is required")
	}
	to = firstNonEmpty(translation.Normalize(to), p.canonical)
	from = normalizeHint(from)
	if from == "" {
		from = p.detect(ctx, text)
	}
	if from != "" && translation.SameLanguage(from, to) {
		return text, nil
	}

	translated, err := p.translate(ctx, text, firstNonEmpty(from, "auto"), to)
	if err != nil {
		return "", apperr.Wrap(apperr.KindServiceUnavailable, op, err)
	}
	return translated, nil
}

func (p *Pipeline) upload(ctx context.Context, op, path string, data []byte, contentType string) error {
	// 上传一旦开始就要完成
	durable := context.WithoutCancel(ctx)
	err := p.uploads.Do(durable, op, func(ctx context.Context) error {
		return p.deps.Blobs.Put(ctx, path, data, contentType)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, data []byte, hint string) (Transcript, bool) {
	if p.deps.Transcriber == nil {
		return Transcript{}, false
	}
	transcript, err := p.deps.Transcriber.Transcribe(ctx, data, hint)
	if err != nil {
		p.logger.Warn("transcription unavailable", zap.Error(err))
		return Transcript{}, false
	}
	transcript.Text = strings.TrimSpace(transcript.Text)
	if transcript.Text == "" {
		p.logger.Warn("transcription returned no text")
		return Transcript{}, false
	}
	return transcript, true
}

func (p *Pipeline) detect(ctx context.Context, text string) string {
	if p.deps.Detector == nil {
		return ""
	}
	code, err := p.deps.Detector.Detect(ctx, text)
	if err != nil {
		p.logger.Debug("language detection failed", zap.Error(err))
		return ""
	}
	return translation.Normalize(code)
}

func (p *Pipeline) translate(ctx context.Context, text, from, to string) (string, error) {
	if p.deps.Translator == nil {
		return "", fmt.Errorf("translation is not configured")
	}
	translated, err := p.deps.Translator.Translate(ctx, text, from, to)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(translated) == "" {
		return "", fmt.Errorf("translator returned empty text")
	}
	return translated, nil
}

// nextNano returns a unix-nano timestamp strictly greater than the previous one.
func (p *Pipeline) nextNano() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.now().UnixNano()
	if n <= p.lastNano {
		n = p.lastNano + 1
	}
	p.lastNano = n
	return n
}

func acceptedContentType(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return wavAliases[strings.ToLower(mediaType)]
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE"))
}

func validPathSegment(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

// normalizeHint treats "auto" as no hint.
func normalizeHint(code string) string {
	if strings.EqualFold(strings.TrimSpace(code), "auto") {
		return ""
	}
	return translation.Normalize(code)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
