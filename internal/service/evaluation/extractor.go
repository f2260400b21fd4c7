// Package evaluation asks the chat model to grade a finished rehearsal.
package evaluation

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// 解析失败时的固定回退内容。
const (
	FallbackScore   = 50
	FallbackSummary = "抱歉，这次没能生成完整的表现总结，以下是评价服务的原始反馈。"
	cannedComment   = "评价服务暂时没有给出有效内容，请稍后再试一次。"
)

const resultSchema = `{
  "type": "object",
  "required": ["summary", "score", "comment"],
  "properties": {
    "summary": {"type": "string"},
    "score": {"type": "number", "minimum": 0, "maximum": 100},
    "comment": {"type": "string"}
  }
}`

const evaluationInstructions = `{persona_prompt}

对戏结束后，你需要暂时跳出台词，以自己的角色视角回顾整场对戏并给出评价。
请只输出一个 JSON 对象，不要输出其他内容，格式如下：
{format}
score 为 0 到 100 的整数，summary 概括整体表现，comment 给出具体改进建议。`

const evaluationQuery = `对戏到此结束。{focus}
请按要求只输出 JSON。`

const outputFormat = `{"summary": "整体表现总结", "score": 80, "comment": "具体改进建议"}`

// Result is the parsed evaluation.
type Result struct {
	Summary  string `json:"summary"`
	Score    int    `json:"score"`
	Comment  string `json:"comment"`
	Fallback bool   `json:"fallback"`
}

// Input 评价请求的上下文。
type Input struct {
	SessionID string
	ModelID   string
	Mode      chat.Mode
	Personas  []persona.Persona
	// Speaker 为给出自评的角色，为空时取 Personas[0]。
	Speaker  *persona.Persona
	Scenario chat.Scenario
	Messages []chat.Message
	// HistoryTokenBudget 为 0 时不裁剪历史。
	HistoryTokenBudget int
}

// Generator is the blocking chat call the extractor needs.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (*schema.Message, error)
}

// Extractor issues one evaluation request per call.
type Extractor struct {
	gen      Generator
	prompts  *ai.PersonaPromptManager
	template prompt.ChatTemplate
	schema   *jsonschema.Schema
	retry    utils.RetryPolicy
}

// NewExtractor compiles the prompt template and the result schema. A nil
// prompts falls back to the built-in persona templates.
func NewExtractor(gen Generator, prompts *ai.PersonaPromptManager, retry utils.RetryPolicy) (*Extractor, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("evaluation.json", strings.NewReader(resultSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile("evaluation.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	if retry.Retryable == nil {
		retry.Retryable = ai.IsRetryable
	}
	if prompts == nil {
		prompts = ai.NewPersonaPromptManager()
	}

	return &Extractor{
		gen:     gen,
		prompts: prompts,
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage(evaluationInstructions),
			schema.UserMessage(evaluationQuery),
		),
		schema: sch,
		retry:  retry,
	}, nil
}

// Evaluate asks the speaking persona to grade the rehearsal from its own
// point of view, with the transcript as chat history. It always returns a
// result: request or parse failures yield the fallback with Fallback set.
func (e *Extractor) Evaluate(ctx context.Context, in Input) Result {
	speaker, counterpart := pickSpeaker(in)
	messages, err := e.template.Format(ctx, map[string]any{
		"persona_prompt": e.personaPrompt(in, speaker, counterpart),
		"focus":          focusFor(in.Mode, counterpart),
		"format":         outputFormat,
	})
	if err != nil || len(messages) < 2 {
		log.Printf("[evaluation] prompt format failed for session=%s: %v", in.SessionID, err)
		return fallback("")
	}

	opts := ai.HistoryOptions{TokenBudget: in.HistoryTokenBudget}
	if in.Mode == chat.ModeDirector {
		opts.Names = names(in.Personas)
	}
	req := ai.Request{
		SessionID: in.SessionID,
		ModelID:   in.ModelID,
		System:    messages[0].Content,
		History:   ai.BuildHistory(in.Messages, opts),
		Query:     messages[1].Content,
	}

	start := time.Now()
	reply, err := utils.Retry(ctx, e.retry, func(ctx context.Context) (*schema.Message, error) {
		return e.gen.Generate(ctx, req)
	})
	if err != nil {
		log.Printf("[evaluation] request failed for session=%s after %s: %v", in.SessionID, time.Since(start), err)
		return fallback("")
	}

	result := e.Parse(reply.Content)
	if result.Fallback {
		log.Printf("[evaluation] unparseable reply for session=%s, using fallback", in.SessionID)
	}
	return result
}

// Parse extracts a Result from raw model text.
func (e *Extractor) Parse(raw string) Result {
	trimmed := stripFences(raw)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return fallback(raw)
	}

	var payload any
	if err := sonic.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return fallback(raw)
	}
	if err := e.schema.Validate(payload); err != nil {
		return fallback(raw)
	}

	fields := payload.(map[string]any)
	score, _ := fields["score"].(float64)
	return Result{
		Summary: strings.TrimSpace(fields["summary"].(string)),
		Score:   int(math.Round(score)),
		Comment: strings.TrimSpace(fields["comment"].(string)),
	}
}

func fallback(raw string) Result {
	comment := strings.TrimSpace(raw)
	if looksDegraded(comment) {
		comment = cannedComment
	}
	return Result{
		Summary:  FallbackSummary,
		Score:    FallbackScore,
		Comment:  comment,
		Fallback: true,
	}
}

// looksDegraded 识别空回复或测试桩返回的占位文本。
func looksDegraded(text string) bool {
	if text == "" {
		return true
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"mock", "test response", "lorem ipsum", "placeholder", "测试回复", "模拟回复"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	var kept []string
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (e *Extractor) personaPrompt(in Input, speaker, counterpart *persona.Persona) string {
	if speaker == nil {
		return "你是一位参与了这场对戏的角色。"
	}
	return e.prompts.BuildSystemPrompt(ai.PromptInput{
		Persona:     speaker,
		Scenario:    in.Scenario,
		Mode:        in.Mode,
		Counterpart: counterpart,
	})
}

// pickSpeaker 返回自评角色及导演模式下的对手角色。
func pickSpeaker(in Input) (*persona.Persona, *persona.Persona) {
	speaker := in.Speaker
	if speaker == nil && len(in.Personas) > 0 {
		speaker = &in.Personas[0]
	}
	if speaker == nil || in.Mode != chat.ModeDirector {
		return speaker, nil
	}
	for i := range in.Personas {
		if in.Personas[i].ID != speaker.ID {
			return speaker, &in.Personas[i]
		}
	}
	return speaker, nil
}

func focusFor(mode chat.Mode, counterpart *persona.Persona) string {
	if mode == chat.ModeDirector {
		other := "另一位角色"
		if counterpart != nil {
			other = counterpart.Name
		}
		return fmt.Sprintf("用户担任导演，请评价你和%s的互动张力，以及导演提示是否有效推动了剧情。", other)
	}
	return "与你对戏的是来练习的用户，请重点评价用户的应对与表达。"
}

func names(list []persona.Persona) map[string]string {
	out := make(map[string]string, len(list))
	for _, p := range list {
		out[p.ID] = p.Name
	}
	return out
}
