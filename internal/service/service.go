// Package service 装配全部业务服务
package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/OsamabinAdnan/todo-chat-engine/internal/config"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/repository"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/audit"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/auth"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/conversation"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/dispatch"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/history"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/reasoner"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/tools"
	"github.com/OsamabinAdnan/todo-chat-engine/internal/service/turn"
)

// Services 服务集合
type Services struct {
	Auth         *auth.Service
	Turn         *turn.Service
	Conversation *conversation.Service
	Registry     *tools.Registry
	Audit        audit.Sink
	Config       *config.Config
}

// NewServices 创建所有服务
// redisClient 为 nil 时审计事件只进日志，不进流
func NewServices(ctx context.Context, repo *repository.Repositories, cfg *config.Config,
	redisClient *redis.Client, logger *zap.Logger) (*Services, error) {

	var sink audit.Sink = audit.NopSink{}
	if redisClient != nil {
		sink = audit.NewRedisSink(redisClient, logger)
	}

	registry := tools.NewRegistry(tools.NewTaskTools(repo.Task, logger)...)

	dispatcher := dispatch.NewDispatcher(registry, sink, logger, dispatch.Options{
		CallTimeout: cfg.Dispatcher.CallTimeout(),
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		BackoffBase: cfg.Dispatcher.BackoffBase(),
		BackoffMax:  cfg.Dispatcher.BackoffMax(),
		MaxParallel: cfg.Dispatcher.MaxParallel,
	})

	resolver := conversation.NewResolver(repo.Chat, sink, cfg.Chat.StaleAfter(), logger)

	assembler := history.NewAssembler(repo.Chat, history.Options{
		MaxMessages:      cfg.Chat.MaxMessages,
		ModelTokenLimit:  cfg.Chat.ModelTokenLimit,
		ReservePercent:   cfg.Chat.ResponseReserve,
		SummaryThreshold: cfg.Chat.SummaryThreshold,
	}, logger)

	rsn, err := newReasoner(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	turnSvc := turn.NewService(resolver, assembler, rsn, dispatcher, registry, repo.Chat, logger,
		turn.Options{
			Deadline:      cfg.Chat.Deadline(),
			MaxMessageLen: cfg.Chat.MaxMessageLen,
		})

	return &Services{
		Auth:         auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Turn:         turnSvc,
		Conversation: conversation.NewService(repo.Chat, sink, logger),
		Registry:     registry,
		Audit:        sink,
		Config:       cfg,
	}, nil
}

// newReasoner 按配置选择推理协作方
// scripted 在没有模型可用的部署里给出固定回复，引擎本体照常运转
func newReasoner(ctx context.Context, cfg *config.Config, logger *zap.Logger) (reasoner.Reasoner, error) {
	switch cfg.AI.Provider {
	case "openai", "deepseek", "dashscope":
		// OpenAI 兼容端点共用一个客户端，差异只在 BaseURL 和模型名
		return reasoner.NewOpenAIReasoner(ctx, cfg.AI, logger)
	case "scripted", "":
		logger.Warn("no reasoning provider configured, using scripted replies")
		return &reasoner.ScriptedReasoner{}, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.AI.Provider)
	}
}
