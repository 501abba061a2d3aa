// Package app wires configuration into the services shared by the API server
// and the chat worker.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/agent"
	"github.com/suPer8Hu/taskflow/internal/ai"
	"github.com/suPer8Hu/taskflow/internal/chat"
	"github.com/suPer8Hu/taskflow/internal/config"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/ratelimit"
	"github.com/suPer8Hu/taskflow/internal/store/redisstore"
	"github.com/suPer8Hu/taskflow/internal/task"
	"github.com/suPer8Hu/taskflow/internal/tools"
	"gorm.io/gorm"
)

// Providers registers the inference backends known to the service.
func Providers(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for AI_PROVIDER=openai")
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, model, cfg.OpenAISiteURL, cfg.OpenAIAppName), nil
	})
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model), nil
	})
	return reg
}

// Model is the model name configured for the selected provider.
func Model(cfg config.Config) string {
	if strings.EqualFold(strings.TrimSpace(cfg.AIProvider), "ollama") {
		return cfg.OllamaModel
	}
	return cfg.OpenAIModel
}

// NewChatService builds the task tools, the agent loop and the chat service.
func NewChatService(ctx context.Context, cfg config.Config, gdb *gorm.DB, log *logrus.Logger, m *metrics.Metrics) (*chat.Service, error) {
	model := Model(cfg)
	providers := Providers(cfg)
	provider, err := providers.Build(ctx, cfg.AIProvider, model)
	if err != nil {
		return nil, err
	}

	reg, err := tools.NewTaskRegistry(task.NewRepo(gdb))
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	loop := agent.New(provider, reg,
		agent.WithModel(model),
		agent.WithMaxRounds(cfg.AgentMaxRounds),
		agent.WithLogger(log.WithField("component", "agent")),
		agent.WithMetrics(m),
	)

	log.WithFields(logrus.Fields{
		"provider":  cfg.AIProvider,
		"available": providers.Names(),
		"model":     model,
		"tools":     reg.Names(),
	}).Info("app: agent ready")

	svc := chat.NewService(chat.NewRepo(gdb), loop, cfg.ChatContextWindowSize).
		WithLogger(log.WithField("component", "chat"))
	return svc, nil
}

// ChatLimiter picks the rate limiter for chat turns. The returned closer
// releases the redis connection when one was opened.
func ChatLimiter(ctx context.Context, cfg config.Config, log *logrus.Logger) (ratelimit.Limiter, func(), error) {
	switch cfg.RateLimitBackend {
	case "", "memory":
		return ratelimit.NewMemory(cfg.ChatRatePerMinute), func() {}, nil
	case "redis":
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rds.Ping(pctx); err != nil {
			_ = rds.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("app: redis rate limiter connected")
		return ratelimit.NewWindow(rds, "chat", cfg.ChatRatePerMinute, time.Minute), func() { _ = rds.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported RATE_LIMIT_BACKEND=%q", cfg.RateLimitBackend)
}
