package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/config"
	"github.com/zhouzirui/curalink/backend/internal/logger"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
	"github.com/zhouzirui/curalink/backend/internal/service/speech"
	blobStore "github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: asr、tts 或 ingest")
	audioPath := flag.String("audio", "", "ASR/ingest 输入的 WAV 文件路径")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	language := flag.String("lang", "", "语言代码，留空则自动识别")
	uid := flag.String("uid", "speechtester", "ingest 时使用的提交者 uid")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")
	flag.Parse()

	if *mode != "asr" && *mode != "tts" && *mode != "ingest" {
		flag.Usage()
		log.Fatal("请通过 -mode=asr、-mode=tts 或 -mode=ingest 指定测试模式")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_* 凭证")
	}

	zl, err := logger.New(cfg.Log.Level, "console", "speechtester")
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer zl.Sync()

	svc := speech.NewService(cfg.Speech.Model(), zl)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "asr":
		runASR(ctx, svc, *audioPath, *language)
	case "tts":
		runTTS(ctx, svc, *text, *language, *outputPath)
	case "ingest":
		runIngest(ctx, cfg, svc, zl, *audioPath, *language, *uid)
	}
}

func readAudio(path string) []byte {
	if strings.TrimSpace(path) == "" {
		log.Fatal("请通过 -audio 指定 WAV 文件")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("读取音频失败: %v", err)
	}
	return data
}

func runASR(ctx context.Context, svc *speech.Service, path, language string) {
	data := readAudio(path)
	log.Printf("[ASR] 开始识别: file=%s bytes=%d", path, len(data))

	start := time.Now()
	transcript, err := svc.Transcribe(ctx, data, language)
	if err != nil {
		log.Fatalf("[ASR] 识别失败: %v", err)
	}
	log.Printf("[ASR] 完成: 用时=%s 语言=%q", time.Since(start), transcript.Language)
	fmt.Println(transcript.Text)
}

func runTTS(ctx context.Context, svc *speech.Service, text, language, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("请通过 -text 指定合成文本")
	}

	start := time.Now()
	result, err := svc.Synthesize(ctx, text, language)
	if err != nil {
		log.Fatalf("[TTS] 合成失败: %v", err)
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-%d.%s", time.Now().Unix(), result.Format)
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[TTS] 创建目录失败: %v", err)
		}
	}
	if err := os.WriteFile(outputPath, result.Data, 0o644); err != nil {
		log.Fatalf("[TTS] 写入文件失败: %v", err)
	}
	log.Printf("[TTS] 完成: 用时=%s bytes=%d 输出=%s", time.Since(start), len(result.Data), outputPath)
}

// runIngest 走完整的上传、转写、翻译流程，音频存到配置的 Redis
func runIngest(ctx context.Context, cfg *config.Config, svc *speech.Service, zl *zap.Logger, path, language, uid string) {
	data := readAudio(path)

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("[INGEST] 连接 Redis 失败: %v", err)
	}

	writer := retry.NewWriter(retry.Policy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay}, zl)
	pipeline := audio.NewPipeline(audio.Dependencies{
		Blobs:       blobStore.NewRedisStore(client, cfg.Server.PublicBaseURL),
		Transcriber: svc,
	}, writer, audio.Config{MaxBytes: cfg.Audio.MaxBytes, CanonicalLanguage: cfg.Translation.CanonicalLanguage}, zl)

	result, err := pipeline.Ingest(ctx, audio.Submission{
		Data:             data,
		ContentType:      "audio/wav",
		DeclaredLanguage: language,
		SubmitterUID:     uid,
	})
	if err != nil {
		log.Fatalf("[INGEST] 处理失败: %v", err)
	}
	log.Printf("[INGEST] url=%s 语言=%s 警告=%v", result.AudioURL, result.DetectedLanguage, result.Warnings)
	fmt.Println(result.Transcript)
	if result.TranslatedText != result.Transcript {
		fmt.Println(result.TranslatedText)
	}
}
