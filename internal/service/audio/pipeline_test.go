package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

// countingStore 统计上传次数，可注入失败
type countingStore struct {
	blob.Store
	mu       sync.Mutex
	puts     int
	failures int
	paths    []string
}

func (s *countingStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	s.puts++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return apperr.Wrap(apperr.KindStorageUnavailable, "test.put", errors.New("bucket offline"))
	}
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
	return s.Store.Put(ctx, path, data, contentType)
}

type fakeTranscriber struct {
	calls  int
	hint   string
	result Transcript
	err    error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, hint string) (Transcript, error) {
	f.calls++
	f.hint = hint
	return f.result, f.err
}

type fakeTranslator struct {
	calls    int
	from, to string
	err      error
}

func (f *fakeTranslator) Translate(_ context.Context, text, from, to string) (string, error) {
	f.calls++
	f.from, f.to = from, to
	if f.err != nil {
		return "", f.err
	}
	return "[" + to + "] " + text, nil
}

type fakeDetector struct {
	calls int
	code  string
}

func (f *fakeDetector) Detect(context.Context, string) (string, error) {
	f.calls++
	return f.code, nil
}

type fakeSynthesizer struct {
	calls int
	err   error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, language string) (Speech, error) {
	f.calls++
	if f.err != nil {
		return Speech{}, f.err
	}
	return Speech{Data: []byte("ID3" + text), Format: "mp3", ContentType: "audio/mpeg"}, nil
}

type rig struct {
	pipeline    *Pipeline
	blobs       *countingStore
	transcriber *fakeTranscriber
	translator  *fakeTranslator
	detector    *fakeDetector
	synthesizer *fakeSynthesizer
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := &rig{
		blobs:       &countingStore{Store: blob.NewRedisStore(client, "http://api.test")},
		transcriber: &fakeTranscriber{result: Transcript{Text: "hola doctor", Language: "es-MX"}},
		translator:  &fakeTranslator{},
		detector:    &fakeDetector{code: "fr"},
		synthesizer: &fakeSynthesizer{},
	}
	r.pipeline = r.build(cfg)
	return r
}

func (r *rig) build(cfg Config) *Pipeline {
	deps := Dependencies{
		Blobs:       r.blobs,
		Transcriber: r.transcriber,
		Translator:  r.translator,
		Detector:    r.detector,
		Synthesizer: r.synthesizer,
	}
	writer := retry.NewWriter(retry.Policy{Attempts: 3, BaseDelay: 0}, zap.NewNop())
	return NewPipeline(deps, writer, cfg, zap.NewNop())
}

func wav(size int) []byte {
	if size < 44 {
		size = 44
	}
	data := make([]byte, size)
	copy(data[0:4], "RIFF")
	binary.LittleEndian.PutUint32(data[4:8], uint32(size-8))
	copy(data[8:12], "WAVE")
	copy(data[12:16], "fmt ")
	return data
}

func submission(data []byte) Submission {
	return Submission{Data: data, ContentType: "audio/wav", SubmitterUID: "uid-p1"}
}

func TestIngestTranslatesIntoCanonicalLanguage(t *testing.T) {
	r := newRig(t, Config{})

	result, err := r.pipeline.Ingest(context.Background(), submission(wav(1024)))
	require.NoError(t, err)

	assert.Equal(t, "hola doctor", result.Transcript)
	assert.Equal(t, "es", result.DetectedLanguage)
	assert.Equal(t, "[en] hola doctor", result.TranslatedText)
	assert.Empty(t, result.Warnings)
	assert.True(t, strings.HasPrefix(result.AudioURL, "http://api.test/api/blobs/audio/uid-p1/"))
	assert.True(t, strings.HasSuffix(result.AudioURL, ".wav"))
	assert.Equal(t, 0, r.detector.calls)
	assert.Equal(t, "es", r.translator.from)
	assert.Equal(t, "en", r.translator.to)
}

func TestIngestRejectsBeforeExternalCalls(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		sub  Submission
		kind apperr.Kind
	}{
		{"empty", submission(nil), apperr.KindInvalidInput},
		{"oversize", submission(wav(int(DefaultMaxBytes) + 1)), apperr.KindInvalidInput},
		{"mp3 content type", Submission{Data: wav(100), ContentType: "audio/mpeg", SubmitterUID: "u"}, apperr.KindUnsupportedMediaType},
		{"not riff", Submission{Data: []byte(strings.Repeat("x", 64)), ContentType: "audio/wav", SubmitterUID: "u"}, apperr.KindUnsupportedMediaType},
		{"no submitter", Submission{Data: wav(100), ContentType: "audio/wav"}, apperr.KindInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.pipeline.Ingest(ctx, tc.sub)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}

	assert.Zero(t, r.blobs.puts)
	assert.Zero(t, r.transcriber.calls)
	assert.Zero(t, r.translator.calls)
}

func TestIngestAcceptsWavAliases(t *testing.T) {
	r := newRig(t, Config{})
	for _, ct := range []string{"audio/x-wav", "audio/wave", "audio/wav; codecs=1", ""} {
		sub := submission(wav(100))
		sub.ContentType = ct
		_, err := r.pipeline.Ingest(context.Background(), sub)
		assert.NoError(t, err, ct)
	}
}

func TestIngestTranscriberDown(t *testing.T) {
	r := newRig(t, Config{})
	r.transcriber.err = errors.New("asr timeout")

	result, err := r.pipeline.Ingest(context.Background(), submission(wav(256)))
	require.NoError(t, err)

	assert.NotEmpty(t, result.AudioURL)
	assert.Equal(t, UnavailableTranscript, result.Transcript)
	assert.Equal(t, []string{WarningTranscriptionUnavailable}, result.Warnings)
	assert.Zero(t, r.translator.calls)
}

func TestIngestWithoutTranscriber(t *testing.T) {
	r := newRig(t, Config{})
	p := r.build(Config{})
	p.deps.Transcriber = nil

	result, err := p.Ingest(context.Background(), submission(wav(256)))
	require.NoError(t, err)
	assert.Equal(t, UnavailableTranscript, result.Transcript)
	assert.Contains(t, result.Warnings, WarningTranscriptionUnavailable)
}

func TestIngestTranslatorDown(t *testing.T) {
	r := newRig(t, Config{})
	r.translator.err = errors.New("quota exceeded")

	result, err := r.pipeline.Ingest(context.Background(), submission(wav(256)))
	require.NoError(t, err)
	assert.Equal(t, "hola doctor", result.TranslatedText)
	assert.Equal(t, []string{WarningTranslationUnavailable}, result.Warnings)
}

func TestIngestDetectedLanguagePrecedence(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	// 转写未报告语言时使用声明的语言
	r.transcriber.result = Transcript{Text: "bonjour"}
	sub := submission(wav(128))
	sub.DeclaredLanguage = "de-DE"
	result, err := r.pipeline.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "de", result.DetectedLanguage)
	assert.Zero(t, r.detector.calls)

	sub.DeclaredLanguage = "auto"
	result, err = r.pipeline.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "fr", result.DetectedLanguage)
	assert.Equal(t, 1, r.detector.calls)

	r.detector.code = ""
	result, err = r.pipeline.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "en", result.DetectedLanguage)
	assert.Equal(t, "bonjour", result.TranslatedText)
}

func TestIngestCanonicalSkipsTranslation(t *testing.T) {
	r := newRig(t, Config{})
	r.transcriber.result = Transcript{Text: "my chest hurts", Language: "en-GB"}

	result, err := r.pipeline.Ingest(context.Background(), submission(wav(128)))
	require.NoError(t, err)
	assert.Equal(t, "my chest hurts", result.TranslatedText)
	assert.Zero(t, r.translator.calls)
}

func TestIngestUploadRetriesThenFails(t *testing.T) {
	r := newRig(t, Config{})
	r.blobs.failures = 2

	_, err := r.pipeline.Ingest(context.Background(), submission(wav(128)))
	require.NoError(t, err)
	assert.Equal(t, 3, r.blobs.puts)

	r.blobs.failures = 10
	_, err = r.pipeline.Ingest(context.Background(), submission(wav(128)))
	assert.Equal(t, apperr.KindStorageUnavailable, apperr.KindOf(err))
	assert.Equal(t, 6, r.blobs.puts)
}

func TestIngestPathsAreUnique(t *testing.T) {
	r := newRig(t, Config{})
	for i := 0; i < 5; i++ {
		_, err := r.pipeline.Ingest(context.Background(), submission(wav(64)))
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for _, path := range r.blobs.paths {
		assert.False(t, seen[path], path)
		seen[path] = true
	}
}

func TestSynthesize(t *testing.T) {
	r := newRig(t, Config{})

	url, err := r.pipeline.Synthesize(context.Background(), "take one tablet daily", "en", "uid-d1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://api.test/api/blobs/tts/uid-d1/"))
	assert.True(t, strings.HasSuffix(url, ".mp3"))

	_, err = r.pipeline.Synthesize(context.Background(), "  ", "en", "uid-d1")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	r.synthesizer.err = errors.New("tts down")
	_, err = r.pipeline.Synthesize(context.Background(), "hello", "en", "uid-d1")
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
	assert.Equal(t, 1, r.blobs.puts)
}

func TestSynthesizeWithoutSynthesizer(t *testing.T) {
	r := newRig(t, Config{})
	r.pipeline.deps.Synthesizer = nil

	_, err := r.pipeline.Synthesize(context.Background(), "hello", "en", "uid-d1")
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
}

func TestTranslateFreeText(t *testing.T) {
	r := newRig(t, Config{})
	ctx := context.Background()

	out, err := r.pipeline.TranslateFreeText(ctx, "hello", "en", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = r.pipeline.TranslateFreeText(ctx, "hello", "en-US", "EN_gb")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Zero(t, r.translator.calls)

	out, err = r.pipeline.TranslateFreeText(ctx, "hello", "en", "es")
	require.NoError(t, err)
	assert.Equal(t, "[es] hello", out)
	assert.Equal(t, 1, r.translator.calls)

	_, err = r.pipeline.TranslateFreeText(ctx, "", "en", "es")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	r.translator.err = errors.New("down")
	_, err = r.pipeline.TranslateFreeText(ctx, "hello", "en", "es")
	assert.Equal(t, apperr.KindServiceUnavailable, apperr.KindOf(err))
}

func TestCanonicalLanguageConfig(t *testing.T) {
	r := newRig(t, Config{CanonicalLanguage: "zh-CN"})
	assert.Equal(t, "zh", r.pipeline.CanonicalLanguage())
}
