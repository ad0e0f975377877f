package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/handler/admin"
	"github.com/zhouzirui/curalink/backend/internal/handler/assignment"
	"github.com/zhouzirui/curalink/backend/internal/handler/blob"
	"github.com/zhouzirui/curalink/backend/internal/handler/conversation"
	"github.com/zhouzirui/curalink/backend/internal/handler/prescription"
	"github.com/zhouzirui/curalink/backend/internal/handler/speech"
	middlewarePkg "github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	assignmentService "github.com/zhouzirui/curalink/backend/internal/service/assignment"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
	"github.com/zhouzirui/curalink/backend/internal/service/auth"
	conversationService "github.com/zhouzirui/curalink/backend/internal/service/conversation"
	prescriptionService "github.com/zhouzirui/curalink/backend/internal/service/prescription"
	blobStore "github.com/zhouzirui/curalink/backend/internal/storage/blob"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Services are the core components the router exposes.
type Services struct {
	Gate          *auth.Gate
	Conversations *conversationService.Store
	Assignments   *assignmentService.Registry
	Pipeline      *audio.Pipeline
	Hub           *realtime.Hub
	Blobs         blobStore.Store
	Catalog       *prescriptionService.Catalog
	HealthChecks  map[string]HealthCheck
}

// Options tune the HTTP layer.
type Options struct {
	AllowedOrigins []string
	MaxAudioBytes  int64
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(opts.AllowedOrigins))

	// Create handlers
	conversationHandler := conversation.New(svc.Conversations, svc.Pipeline, svc.Hub, opts.MaxAudioBytes, logger.Named("conversation"))
	assignmentHandler := assignment.New(svc.Assignments, svc.Gate, svc.Hub)
	speechHandler := speech.New(svc.Pipeline, opts.MaxAudioBytes)
	adminHandler := admin.New(svc.Conversations, svc.Gate, logger.Named("admin"))
	blobHandler := blob.New(svc.Blobs, svc.Conversations)

	var verifier prescription.Verifier
	if svc.Catalog != nil {
		verifier = svc.Catalog
	}
	prescriptionHandler := prescription.New(verifier, svc.Gate)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", handleHealth(svc.HealthChecks))

		api.Group(func(private chi.Router) {
			private.Use(middlewarePkg.Authenticate(svc.Gate))

			assignmentHandler.RegisterRoutes(private)
			conversationHandler.RegisterRoutes(private)
			speechHandler.RegisterRoutes(private)
			prescriptionHandler.RegisterRoutes(private)
			adminHandler.RegisterRoutes(private)
			blobHandler.RegisterRoutes(private)
		})
	})

	return r
}

// handleHealth 健康检查，任一依赖失败返回 503
func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		utils.RespondJSON(w, status, map[string]any{"status": state, "checks": results})
	}
}
