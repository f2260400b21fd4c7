package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-stage/internal/config"
)

// ErrUnknownModel 请求的模型不在目录中或对应后端未配置。
var ErrUnknownModel = errors.New("unknown model")

// Sampling 采样参数，nil 字段使用模型默认值。
type Sampling struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"topP,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// Request is one outbound chat request.
type Request struct {
	SessionID string
	ModelID   string
	System    string
	History   []*schema.Message
	Query     string
	Sampling  Sampling
}

// Service routes chat requests to one compiled eino chain per catalog model.
type Service struct {
	catalog *Catalog
	chains  map[string]compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds chat models for every catalog entry whose backend is configured.
func NewService(ctx context.Context, cfg config.AIConfig, catalog *Catalog) (*Service, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if cfg.DefaultModel != "" {
		if _, ok := catalog.Lookup(cfg.DefaultModel); ok {
			catalog.Default = cfg.DefaultModel
		}
	}

	var openaiModel func(string) model.BaseChatModel
	if cfg.OpenAIEnabled() {
		client, err := cfg.NewOpenAIClient()
		if err != nil {
			return nil, err
		}
		openaiModel = func(id string) model.BaseChatModel {
			return NewOpenAIChatModel(client, id, cfg.MaxTokens)
		}
	}

	models := make(map[string]model.BaseChatModel)
	for _, profile := range catalog.Models {
		switch profile.Backend {
		case BackendArk:
			if !cfg.ArkEnabled() {
				continue
			}
			cm, err := cfg.NewArkChatModel(ctx, profile.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to create ark model %s: %w", profile.ID, err)
			}
			models[profile.ID] = cm
		case BackendOpenAI:
			if openaiModel == nil {
				continue
			}
			models[profile.ID] = openaiModel(profile.ID)
		}
	}

	if len(models) == 0 {
		return nil, fmt.Errorf("no chat backend configured: set ARK_API_KEY or OPENAI_API_KEY")
	}

	return NewServiceWithModels(ctx, catalog, models)
}

// NewServiceWithModels compiles a chain for each provided model.
func NewServiceWithModels(ctx context.Context, catalog *Catalog, models map[string]model.BaseChatModel) (*Service, error) {
	s := &Service{
		catalog: catalog,
		chains:  make(map[string]compose.Runnable[map[string]any, *schema.Message], len(models)),
	}

	for id, cm := range models {
		if _, ok := catalog.Lookup(id); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
		}

		promptTemplate := prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		)

		chain := compose.NewChain[map[string]any, *schema.Message]()
		chain.AppendChatTemplate(promptTemplate)
		chain.AppendChatModel(cm)

		runnable, err := chain.Compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compile chat chain for %s: %w", id, err)
		}
		s.chains[id] = runnable
	}

	if _, ok := s.chains[catalog.Default]; !ok {
		for _, m := range catalog.Models {
			if _, ready := s.chains[m.ID]; ready {
				catalog.Default = m.ID
				break
			}
		}
	}

	return s, nil
}

// Models 返回当前可用的模型。
func (s *Service) Models() []ModelProfile {
	out := make([]ModelProfile, 0, len(s.chains))
	for _, m := range s.catalog.Models {
		if _, ok := s.chains[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

// DefaultModel 返回默认模型 ID。
func (s *Service) DefaultModel() string {
	return s.catalog.Default
}

// Profile resolves a model id (empty means default) to a usable profile.
func (s *Service) Profile(modelID string) (ModelProfile, error) {
	profile, ok := s.catalog.Lookup(modelID)
	if !ok {
		return ModelProfile{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if _, ready := s.chains[profile.ID]; !ready {
		return ModelProfile{}, fmt.Errorf("%w: %s has no configured backend", ErrUnknownModel, profile.ID)
	}
	return profile, nil
}

// Generate runs a blocking request and returns the full reply.
func (s *Service) Generate(ctx context.Context, req Request) (*schema.Message, error) {
	runnable, profile, err := s.runnable(req.ModelID)
	if err != nil {
		return nil, err
	}

	response, err := runnable.Invoke(ctx, buildChainInput(req), samplingOptions(req.Sampling)...)
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", Classify(err))
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return nil, fmt.Errorf("%w: empty reply from %s", ErrMalformedResponse, profile.ID)
	}

	log.Printf("[ai] generated response for session=%s, model=%s, length=%d", req.SessionID, profile.ID, len(response.Content))
	return response, nil
}

// Stream starts a streaming request. The caller owns the returned reader.
func (s *Service) Stream(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	runnable, profile, err := s.runnable(req.ModelID)
	if err != nil {
		return nil, err
	}
	if !profile.Streaming {
		return nil, fmt.Errorf("model %s does not support streaming", profile.ID)
	}

	stream, err := runnable.Stream(ctx, buildChainInput(req), samplingOptions(req.Sampling)...)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", Classify(err))
	}
	return stream, nil
}

func (s *Service) runnable(modelID string) (compose.Runnable[map[string]any, *schema.Message], ModelProfile, error) {
	profile, err := s.Profile(modelID)
	if err != nil {
		return nil, ModelProfile{}, err
	}
	return s.chains[profile.ID], profile, nil
}

func buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  req.System,
		"history": req.History,
		"query":   req.Query,
	}
}

func samplingOptions(sp Sampling) []compose.Option {
	var opts []model.Option
	if sp.Temperature != nil {
		opts = append(opts, model.WithTemperature(*sp.Temperature))
	}
	if sp.TopP != nil {
		opts = append(opts, model.WithTopP(*sp.TopP))
	}
	if sp.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*sp.MaxTokens))
	}
	if len(opts) == 0 {
		return nil
	}
	return []compose.Option{compose.WithChatModelOption(opts...)}
}
