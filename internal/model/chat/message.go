package chat

import "time"

// Role 标识消息在对话中的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Speaker tags for lines not authored by a persona.
const (
	TagParticipant = "participant"
	TagMediator    = "mediator"
)

// Message is one immutable line of the conversation.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	SpeakerTag string    `json:"speakerTag,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	AudioRef   string    `json:"audioRef,omitempty"`
}

// IsPersonaLine reports whether the message was produced by an AI persona.
func (m Message) IsPersonaLine() bool {
	return m.Role == RoleAssistant
}
