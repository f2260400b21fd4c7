package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
)

// PromptTemplate 为内置角色补充的表演要点。
type PromptTemplate struct {
	PersonalityHints []string
	ContextRules     []string
}

// PromptInput 构造系统提示词所需的上下文。
type PromptInput struct {
	Persona  *persona.Persona
	Scenario chat.Scenario
	Mode     chat.Mode
	// Counterpart 仅导演模式下存在，为同场的另一位角色。
	Counterpart *persona.Persona
}

// PersonaPromptManager builds persona prompts and the per-turn cues.
type PersonaPromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPersonaPromptManager creates a new prompt manager with default templates
func NewPersonaPromptManager() *PersonaPromptManager {
	manager := &PersonaPromptManager{
		templates: make(map[string]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// BuildSystemPrompt creates the system prompt for the persona about to speak.
func (pm *PersonaPromptManager) BuildSystemPrompt(in PromptInput) string {
	p := in.Persona
	var b strings.Builder

	fmt.Fprintf(&b, "你正在参与一场对戏练习，扮演%s。\n\n角色信息：\n%s\n", p.Name, p.TraitsText())

	if tpl, ok := pm.templates[p.ID]; ok {
		if len(tpl.PersonalityHints) > 0 {
			b.WriteString("\n表演要点：\n- ")
			b.WriteString(strings.Join(tpl.PersonalityHints, "\n- "))
			b.WriteString("\n")
		}
		if len(tpl.ContextRules) > 0 {
			b.WriteString("\n对话规则：\n- ")
			b.WriteString(strings.Join(tpl.ContextRules, "\n- "))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n情景设定：\n")
	if s := strings.TrimSpace(in.Scenario.SituationText); s != "" {
		fmt.Fprintf(&b, "- 情景：%s\n", s)
	}
	if s := strings.TrimSpace(in.Scenario.BackgroundText); s != "" {
		fmt.Fprintf(&b, "- 背景：%s\n", s)
	}

	switch in.Mode {
	case chat.ModeDirector:
		other := "另一位角色"
		if in.Counterpart != nil {
			other = in.Counterpart.Name
		}
		fmt.Fprintf(&b, "\n你正在与%s对话，用户是导演，只会偶尔给出提示。", other)
		b.WriteString("历史记录中带名字前缀的是各角色说过的台词，带“导演提示”的是导演的要求，请在不跳出角色的前提下照做。\n")
		fmt.Fprintf(&b, "只输出%s本人的一句台词，不要带名字前缀，不要替%s说话。", p.Name, other)
	default:
		opponent := strings.TrimSpace(in.Scenario.OpponentName)
		if opponent == "" {
			opponent = p.Name
		}
		fmt.Fprintf(&b, "\n用户是来练习的演员，你以%s的身份与其对戏。", opponent)
		b.WriteString("每次只回应一段台词，保持口语化，不要旁白，不要跳出角色，不要替用户说话。")
	}

	return b.String()
}

// OpeningCue 请求角色说出开场白的提示。
func (pm *PersonaPromptManager) OpeningCue(p *persona.Persona) string {
	if p.OpeningLine != "" {
		return fmt.Sprintf("请以%s的身份开场，可以参考这句开场白但用自己的话说：%s", p.Name, p.OpeningLine)
	}
	return fmt.Sprintf("请以%s的身份说出第一句开场台词。", p.Name)
}

// DirectorCue 导演模式下请求当前角色接话的提示。
func (pm *PersonaPromptManager) DirectorCue(current, other *persona.Persona) string {
	return fmt.Sprintf("请以%s的身份，接着%s刚才的话说下一句。", current.Name, other.Name)
}

func (pm *PersonaPromptManager) loadDefaultTemplates() {
	pm.templates["strict-interviewer"] = &PromptTemplate{
		PersonalityHints: []string{
			"像真正的面试官一样掌控节奏",
			"对空泛的回答追问具体数据和细节",
		},
		ContextRules: []string{
			"一次只问一个问题",
			"不要直接给出答案或评价",
		},
	}

	pm.templates["grumpy-landlord"] = &PromptTemplate{
		PersonalityHints: []string{
			"说话带点市井气，喜欢拿合同说事",
			"嘴上强硬，遇到诚恳的态度会稍微松口",
		},
		ContextRules: []string{
			"不轻易接受拖延，要求对方给出具体日期",
		},
	}

	pm.templates["anxious-customer"] = &PromptTemplate{
		PersonalityHints: []string{
			"情绪起伏明显，经常打断对方",
			"被共情后语气逐渐缓和",
		},
		ContextRules: []string{
			"反复强调自己已经等了很久",
			"对推诿的说法立刻表达不满",
		},
	}
}
