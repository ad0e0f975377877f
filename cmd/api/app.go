package main

import (
	"context"
	"database/sql"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zhouzirui/curalink/backend/internal/config"
	"github.com/zhouzirui/curalink/backend/internal/handler"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/repository"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	assignmentService "github.com/zhouzirui/curalink/backend/internal/service/assignment"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
	"github.com/zhouzirui/curalink/backend/internal/service/auth"
	conversationService "github.com/zhouzirui/curalink/backend/internal/service/conversation"
	prescriptionService "github.com/zhouzirui/curalink/backend/internal/service/prescription"
	"github.com/zhouzirui/curalink/backend/internal/service/speech"
	"github.com/zhouzirui/curalink/backend/internal/service/translation"
	blobStore "github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

// hubBuffer 每个订阅者的事件缓冲
const hubBuffer = 64

type app struct {
	services handler.Services
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp 根据配置装配所有依赖
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, redisClient.Close)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	db, err := repository.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if cfg.Postgres.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database schema applied")
	}

	fb, err := newFirebase(ctx, cfg.Firebase, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	users := repository.NewUserRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)

	verifier, err := newVerifier(cfg.Auth, fb)
	if err != nil {
		a.Close()
		return nil, err
	}
	gate := auth.NewGate(verifier, users, logger.Named("auth"))

	blobs := blobStore.Store(blobStore.NewRedisStore(redisClient, cfg.Server.PublicBaseURL))
	if fb.bucket != nil {
		blobs = fb.bucket
		logger.Info("using cloud storage for blobs", zap.String("bucket", cfg.Firebase.Bucket))
	}

	hub := realtime.NewHub(hubBuffer, logger.Named("hub"))
	publisher := newPublisher(ctx, redisClient, hub, fb, logger)

	writer := retry.NewWriter(retry.Policy{
		Attempts:       cfg.Retry.Attempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		Backoff:        retry.Linear,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}, logger.Named("retry"))

	registry := assignmentService.NewRegistry(assignments, users, blobs, publisher, writer, gate, logger.Named("assignment"))

	var storeOpts []conversationService.Option
	catalog, err := loadCatalog(cfg.Catalog, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if catalog != nil {
		storeOpts = append(storeOpts, conversationService.WithVerifier(catalog))
	}
	conversations := conversationService.NewStore(blobs, registry, gate, writer, publisher, logger.Named("conversation"), storeOpts...)

	deps := audio.Dependencies{Blobs: blobs}
	if cfg.Speech.Enabled {
		speechService := speech.NewService(cfg.Speech.Model(), logger)
		deps.Transcriber = speechService
		deps.Synthesizer = speechService
		logger.Info("speech service initialized")
	} else {
		logger.Info("语音服务凭证未配置，跳过语音功能初始化")
	}
	if err := attachTranslator(ctx, &deps, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	pipeline := audio.NewPipeline(deps, writer, audio.Config{
		MaxBytes:          cfg.Audio.MaxBytes,
		CanonicalLanguage: cfg.Translation.CanonicalLanguage,
	}, logger.Named("audio"))

	a.services = handler.Services{
		Gate:          gate,
		Conversations: conversations,
		Assignments:   registry,
		Pipeline:      pipeline,
		Hub:           hub,
		Blobs:         blobs,
		Catalog:       catalog,
		HealthChecks: map[string]handler.HealthCheck{
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"postgres": pingDB(db),
		},
	}
	return a, nil
}

func pingDB(db *sql.DB) handler.HealthCheck {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// firebaseClients 按配置初始化的 Firebase 组件，未启用的为 nil
type firebaseClients struct {
	verifier  *auth.FirebaseVerifier
	bucket    *blobStore.GCSStore
	messaging *realtime.FCMPublisher
}

func newFirebase(ctx context.Context, cfg config.FirebaseConfig, logger *zap.Logger) (firebaseClients, error) {
	var clients firebaseClients
	if !cfg.Enabled() {
		return clients, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     cfg.ProjectID,
		StorageBucket: cfg.Bucket,
	}, opts...)
	if err != nil {
		return clients, fmt.Errorf("initialize firebase: %w", err)
	}

	if cfg.AuthEnabled {
		client, err := fbApp.Auth(ctx)
		if err != nil {
			return clients, fmt.Errorf("initialize firebase auth: %w", err)
		}
		clients.verifier = auth.NewFirebaseVerifier(client)
	}
	if cfg.StorageEnabled {
		client, err := fbApp.Storage(ctx)
		if err != nil {
			return clients, fmt.Errorf("initialize firebase storage: %w", err)
		}
		bucket, err := client.Bucket(cfg.Bucket)
		if err != nil {
			return clients, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
		}
		clients.bucket = blobStore.NewGCSStore(bucket, cfg.Bucket)
	}
	if cfg.MessagingEnabled {
		client, err := fbApp.Messaging(ctx)
		if err != nil {
			return clients, fmt.Errorf("initialize firebase messaging: %w", err)
		}
		clients.messaging = realtime.NewFCMPublisher(client)
	}

	logger.Info("firebase initialized",
		zap.Bool("auth", cfg.AuthEnabled),
		zap.Bool("storage", cfg.StorageEnabled),
		zap.Bool("messaging", cfg.MessagingEnabled),
	)
	return clients, nil
}

func newVerifier(cfg config.AuthConfig, fb firebaseClients) (auth.TokenVerifier, error) {
	switch cfg.Provider {
	case "firebase":
		if fb.verifier == nil {
			return nil, fmt.Errorf("firebase auth is not initialized")
		}
		return fb.verifier, nil
	default:
		return auth.NewJWTVerifier(cfg.JWTSecret, cfg.Issuer), nil
	}
}

// newPublisher 通过 Redis 在实例之间广播；订阅失败时退回到单实例的 Hub
func newPublisher(ctx context.Context, client *redis.Client, hub *realtime.Hub, fb firebaseClients, logger *zap.Logger) realtime.Publisher {
	publishers := realtime.Multi{}

	bridge := realtime.NewBridge(client, hub, logger)
	if err := bridge.Start(ctx); err != nil {
		logger.Warn("redis bridge unavailable, delivering events on this instance only", zap.Error(err))
		publishers = append(publishers, hub)
	} else {
		publishers = append(publishers, realtime.NewRedisPublisher(client))
	}

	if fb.messaging != nil {
		publishers = append(publishers, fb.messaging)
	}
	return publishers
}

func attachTranslator(ctx context.Context, deps *audio.Dependencies, cfg *config.Config, logger *zap.Logger) error {
	switch cfg.Translation.Provider {
	case "ark":
		if !cfg.AI.Enabled() {
			logger.Warn("Ark 凭证未配置，翻译功能不可用")
			return nil
		}
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			return fmt.Errorf("initialize ark chat model: %w", err)
		}
		translator, err := translation.NewLLMTranslator(ctx, chatModel, logger)
		if err != nil {
			return fmt.Errorf("initialize llm translator: %w", err)
		}
		deps.Translator = translator
		deps.Detector = translator
	case "http":
		translator := translation.NewHTTPTranslator(cfg.Translation.HTTPBaseURL, cfg.Translation.HTTPAPIKey, cfg.Translation.HTTPTimeout, logger)
		deps.Translator = translator
		deps.Detector = translator
	default:
		logger.Info("translation disabled")
		return nil
	}
	logger.Info("translator initialized", zap.String("provider", cfg.Translation.Provider))
	return nil
}

func loadCatalog(cfg config.CatalogConfig, logger *zap.Logger) (*prescriptionService.Catalog, error) {
	if cfg.Path == "" {
		logger.Info("medication catalog not configured, prescriptions stay unverified")
		return nil, nil
	}
	catalog, err := prescriptionService.Load(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load medication catalog: %w", err)
	}
	logger.Info("medication catalog loaded", zap.String("path", cfg.Path), zap.Int("conditions", catalog.Len()))
	return catalog, nil
}
