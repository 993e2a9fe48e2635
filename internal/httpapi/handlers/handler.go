package handlers

import (
	"context"
	"strings"

	"github.com/clientdesk/portal/internal/ai"
	"github.com/clientdesk/portal/internal/chat"
	"github.com/clientdesk/portal/internal/config"
	"github.com/clientdesk/portal/internal/docs"
	"github.com/clientdesk/portal/internal/email"
	"github.com/clientdesk/portal/internal/portal"
	"github.com/clientdesk/portal/internal/store/rabbitmq"
	"github.com/clientdesk/portal/internal/store/redisstore"
	"gorm.io/gorm"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ChatSvc     *chat.Service
	Portal      *portal.Repo
	Docs        *docs.Repo
	Presigner   *docs.Presigner
	Rabbit      *rabbitmq.Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher, presigner *docs.Presigner) *Handler {
	repo := chat.NewRepo(db)
	chatSvc := chat.NewService(repo, NewProviderRegistry(cfg), cfg.ChatContextWindowSize)
	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: rds,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ChatSvc:   chatSvc,
		Portal:    portal.NewRepo(db),
		Docs:      docs.NewRepo(db),
		Presigner: presigner,
		Rabbit:    rabbit,
	}
}

// NewProviderRegistry wires the configured AI backends; sessions route by
// their stored provider/model pair.
func NewProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	return reg
}
