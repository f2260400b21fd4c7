package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sashabaranov/go-openai"
)

// OpenAIChatModel adapts an OpenAI-compatible endpoint to the eino chat model interface.
type OpenAIChatModel struct {
	client    *openai.Client
	model     string
	maxTokens *int
}

// NewOpenAIChatModel creates a chat model bound to one model id.
func NewOpenAIChatModel(client *openai.Client, modelID string, maxTokens *int) *OpenAIChatModel {
	return &OpenAIChatModel{client: client, model: modelID, maxTokens: maxTokens}
}

// Generate implements model.BaseChatModel.
func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	req := m.buildRequest(input, opts...)

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion: %w", Classify(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

// Stream implements model.BaseChatModel.
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts...)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion stream: %w", Classify(err))
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[ai] openai stream panic: %v", r)
			}
			stream.Close()
			sw.Close()
		}()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, Classify(err))
				return
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if closed := sw.Send(&schema.Message{Role: schema.Assistant, Content: delta}, nil); closed {
				return
			}
		}
	}()

	return sr, nil
}

// BindTools 对戏场景不使用工具调用。
func (m *OpenAIChatModel) BindTools(tools []*schema.ToolInfo) error {
	if len(tools) > 0 {
		return fmt.Errorf("openai chat model %s: tool calling is not supported", m.model)
	}
	return nil
}

func (m *OpenAIChatModel) buildRequest(input []*schema.Message, opts ...model.Option) openai.ChatCompletionRequest {
	options := model.GetCommonOptions(&model.Options{MaxTokens: m.maxTokens}, opts...)

	req := openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: convertMessages(input),
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	return req
}

func convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

func convertRole(role schema.RoleType) string {
	switch role {
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	case schema.System:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
