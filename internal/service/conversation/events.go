package conversation

import (
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
)

// State is the orchestrator's position in the turn state machine.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingFirstLine State = "awaiting_first_line"
	StateAwaitingResponse  State = "awaiting_response"
	StateTurnComplete      State = "turn_complete"
	StateFailed            State = "failed"
	StateSessionEnded      State = "session_ended"
)

// EventKind 编排器推送给前端的事件类型。
type EventKind string

const (
	EventState      EventKind = "state"
	EventChunk      EventKind = "chunk"
	EventMessage    EventKind = "message"
	EventTurn       EventKind = "turn"
	EventError      EventKind = "error"
	EventEnded      EventKind = "ended"
	EventEvaluation EventKind = "evaluation"
	EventPlayback   EventKind = "playback"
)

// End reasons carried by EventEnded.
const (
	EndReasonTurnLimit = "turn_limit"
	EndReasonUser      = "user"
)

// Event is one notification from an orchestrator.
type Event struct {
	Kind       EventKind          `json:"kind"`
	SessionID  string             `json:"sessionId"`
	State      State              `json:"state,omitempty"`
	Paused     bool               `json:"paused,omitempty"`
	Speaker    string             `json:"speaker,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Message    *chat.Message      `json:"message,omitempty"`
	Turn       *chat.TurnState    `json:"turn,omitempty"`
	Code       string             `json:"code,omitempty"`
	Error      string             `json:"error,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Evaluation *evaluation.Result `json:"evaluation,omitempty"`
	Playback   *PlaybackNotice    `json:"playback,omitempty"`
}

// PlaybackNotice is the wire form of a playback.Event.
type PlaybackNotice struct {
	Kind  playback.EventKind `json:"kind"`
	Ref   string             `json:"ref,omitempty"`
	URL   string             `json:"url,omitempty"`
	Error string             `json:"error,omitempty"`
}

// Listener receives events. It may be called while the orchestrator holds
// its lock, so it must not call back into the orchestrator synchronously.
type Listener func(Event)

// turnCompleted is handed to the single auto-advance timer after each
// persona line in director mode.
type turnCompleted struct {
	epoch     uint64
	seq       uint64
	next      chat.Speaker
	turnCount int
}
