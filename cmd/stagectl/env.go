package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zhouzirui/tavern-stage/internal/config"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
	"github.com/zhouzirui/tavern-stage/internal/service/session"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// stage bundles what the rehearsal commands need.
type stage struct {
	cfg      *config.Config
	chat     *ai.Service
	personas persona.Store
	retry    utils.RetryPolicy
}

func loadStage(ctx context.Context) (*stage, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	catalog, err := ai.LoadCatalog(cfg.AI.CatalogPath)
	if err != nil {
		return nil, err
	}
	chatSvc, err := ai.NewService(ctx, cfg.AI, catalog)
	if err != nil {
		return nil, err
	}

	var personas persona.Store = persona.NewMemoryStore(persona.Seed())
	if cfg.Persona.Source == "supabase" {
		store, err := persona.NewSupabaseStore(persona.SupabaseConfig{
			URL:    cfg.Persona.SupabaseURL,
			APIKey: cfg.Persona.SupabaseKey,
			Table:  cfg.Persona.Table,
		})
		if err != nil {
			return nil, err
		}
		personas = store
	}

	return &stage{
		cfg:      cfg,
		chat:     chatSvc,
		personas: personas,
		retry: utils.RetryPolicy{
			MaxAttempts:  cfg.Conversation.RetryAttempts,
			InitialDelay: cfg.Conversation.RetryInitialDelay,
			Retryable:    ai.IsRetryable,
		},
	}, nil
}

func (s *stage) lookup(ids []string) ([]persona.Persona, error) {
	return persona.Resolve(s.personas, ids)
}

// open creates an orchestrator whose events fan out through a hub.
func (s *stage) open(cfg conversation.Config) (*conversation.Orchestrator, <-chan conversation.Event, func(), error) {
	prompts := ai.NewPersonaPromptManager()
	extractor, err := evaluation.NewExtractor(s.chat, prompts, s.retry)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = s.cfg.Conversation.SettleDelay
	}
	cfg.Retry = s.retry

	hub := session.NewHub("cli")
	events, unsubscribe := hub.Subscribe()
	orch, err := conversation.NewOrchestrator(cfg, conversation.Dependencies{
		Chat:      s.chat,
		Prompts:   prompts,
		Evaluator: extractor,
	}, hub.Publish)
	if err != nil {
		unsubscribe()
		return nil, nil, nil, err
	}
	closeFn := func() {
		orch.Close()
		unsubscribe()
		hub.Close()
	}
	return orch, events, closeFn, nil
}
