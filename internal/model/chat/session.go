package chat

import (
	"fmt"
	"strings"
	"time"
)

// Mode 区分单人对戏与双角色导演模式。
type Mode string

const (
	ModeActor    Mode = "actor"
	ModeDirector Mode = "director"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeActor || m == ModeDirector
}

// Speaker identifies the active slot in a turn.
type Speaker string

const (
	Participant1 Speaker = "participant1"
	Participant2 Speaker = "participant2"
)

// Other returns the opposite slot.
func (s Speaker) Other() Speaker {
	if s == Participant1 {
		return Participant2
	}
	return Participant1
}

// Scenario 描述本次对戏的情景设定，会话开始后不再变化。
type Scenario struct {
	OpponentName   string `json:"opponentName"`
	SituationText  string `json:"situationText"`
	BackgroundText string `json:"backgroundText,omitempty"`
}

// TurnState is the counter view persisted with a session.
type TurnState struct {
	TurnCount     int     `json:"turnCount"`
	MaxTurns      int     `json:"maxTurns"`
	ActiveSpeaker Speaker `json:"activeSpeaker"`
}

// Session captures a conversation snapshot.
type Session struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	PersonaIDs []string  `json:"personaIds"`
	ModelID    string    `json:"modelId"`
	Messages   []Message `json:"messages"`
	Turn       TurnState `json:"turnState"`
	Scenario   Scenario  `json:"scenario"`
	ScriptText string    `json:"scriptText,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Clone returns a deep copy that shares no slices with s.
func (s Session) Clone() Session {
	out := s
	out.PersonaIDs = append([]string(nil), s.PersonaIDs...)
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// LastPersonaLine returns the most recent assistant message, if any.
func (s Session) LastPersonaLine() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// RenderScript 把对话渲染为剧本格式，names 将 speakerTag 映射为显示名。
func RenderScript(scenario Scenario, messages []Message, names map[string]string) string {
	var b strings.Builder
	if scenario.SituationText != "" {
		fmt.Fprintf(&b, "【情景】%s\n", strings.TrimSpace(scenario.SituationText))
	}
	if scenario.BackgroundText != "" {
		fmt.Fprintf(&b, "【背景】%s\n", strings.TrimSpace(scenario.BackgroundText))
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}

	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch {
		case msg.SpeakerTag == TagMediator:
			fmt.Fprintf(&b, "（导演：%s）\n", content)
		case msg.Role == RoleUser:
			fmt.Fprintf(&b, "我：%s\n", content)
		case msg.Role == RoleSystem:
			fmt.Fprintf(&b, "（%s）\n", content)
		default:
			name := names[msg.SpeakerTag]
			if name == "" {
				name = scenario.OpponentName
			}
			if name == "" {
				name = "对手"
			}
			fmt.Fprintf(&b, "%s：%s\n", name, content)
		}
	}
	return b.String()
}
