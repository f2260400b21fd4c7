package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
)

// EstimateTokens 粗略估算文本 token 数：ASCII 约 4 字符一个 token，其余字符各算一个。
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}

// HistoryOptions 控制历史消息如何转换为模型输入。
type HistoryOptions struct {
	// Names 将 speakerTag 映射为角色名；非空时角色台词带上 "名字：" 前缀。
	Names map[string]string
	// TokenBudget 为 0 时不裁剪。
	TokenBudget int
}

// BuildHistory converts the transcript into model messages. Persona lines
// become assistant messages, participant and mediation lines become user
// messages, and the oldest entries are dropped once the token budget is
// exceeded. The newest message is always kept.
func BuildHistory(messages []chat.Message, opts HistoryOptions) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	converted := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch {
		case msg.Role == chat.RoleAssistant:
			if name := opts.Names[msg.SpeakerTag]; name != "" {
				content = fmt.Sprintf("%s：%s", name, content)
			}
			converted = append(converted, schema.AssistantMessage(content, nil))
		case msg.SpeakerTag == chat.TagMediator:
			converted = append(converted, schema.UserMessage(fmt.Sprintf("（导演提示：%s）", content)))
		case msg.Role == chat.RoleUser:
			converted = append(converted, schema.UserMessage(content))
		}
	}

	if opts.TokenBudget <= 0 {
		return converted
	}

	used := 0
	start := len(converted)
	for i := len(converted) - 1; i >= 0; i-- {
		cost := EstimateTokens(converted[i].Content)
		if start < len(converted) && used+cost > opts.TokenBudget {
			break
		}
		used += cost
		start = i
	}
	return converted[start:]
}
