// Package injector assembles the application object graph.
package injector

import (
	"context"
	"fmt"

	"github.com/lk2023060901/ai-chat-backend/internal/auth"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/biz"
	chatdata "github.com/lk2023060901/ai-chat-backend/internal/chat/data"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/llm"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/quota"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	chatservice "github.com/lk2023060901/ai-chat-backend/internal/chat/service"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-backend/internal/conf"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/database"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
	pkgredis "github.com/lk2023060901/ai-chat-backend/internal/pkg/redis"
	"github.com/lk2023060901/ai-chat-backend/internal/server"
)

// App bundles the assembled server with the resources it owns.
type App struct {
	Config     *conf.Config
	Logger     *logger.Logger
	HTTPServer *server.HTTPServer

	redis *pkgredis.Client
}

// NewApp wires the full dependency graph by hand, mirroring the
// provider functions the wire spec declares.
func NewApp(configPath string) (*App, func(), error) {
	config, err := conf.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(&config.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := database.New(&config.Database, log)
	if err != nil {
		return nil, nil, err
	}

	redisClient, err := pkgredis.New(&config.Redis, log)
	if err != nil {
		return nil, nil, err
	}

	messageRepo := chatdata.NewMessageRepo(db)
	credentialRepo := chatdata.NewCredentialRepo(db)

	retrievalClient := retrieval.NewClient(config.Retrieval.BaseURL, config.Retrieval.Timeout)
	augmenter := retrieval.NewAugmenter(retrievalClient, config.Retrieval.TopK, config.Retrieval.Timeout, log)

	// The model's search tool reuses the retrieval collaborator; its
	// context block is the tool result.
	searchFn := func(ctx context.Context, query string) (string, error) {
		if bundle := augmenter.Augment(ctx, query, ""); bundle != nil {
			return bundle.Context, nil
		}
		return "", fmt.Errorf("search unavailable")
	}

	provider := llm.NewOpenAIProvider(searchFn, config.Provider.MaxToolSteps, log)
	merger := stream.NewMerger(config.Provider.WordDelay, log)
	invoker := stream.NewInvoker(provider, merger, log)
	finalizer := biz.NewFinalizer(messageRepo, biz.NewTokenEstimator(log), log)
	quotaService := quota.NewService(redisClient, &config.Quota, log)

	turnUseCase := biz.NewTurnUseCase(
		messageRepo,
		credentialRepo,
		augmenter,
		quotaService,
		invoker,
		finalizer,
		&config.Provider,
		log,
	)

	chatSvc := chatservice.NewChatService(turnUseCase, messageRepo, log)
	jwtManager := auth.NewJWTManager(config.Auth.JWTSecret, config.Auth.JWTIssuer)
	httpServer := server.NewHTTPServer(config, log, jwtManager, chatSvc)

	app := &App{
		Config:     config,
		Logger:     log,
		HTTPServer: httpServer,
		redis:      redisClient,
	}

	cleanup := func() {
		_ = redisClient.Close()
		_ = log.Sync()
	}
	return app, cleanup, nil
}
