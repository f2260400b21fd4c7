package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/stream"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

// dispatchLocked issues the request for slot. Exactly one request is in
// flight at a time; callers have already checked the state.
func (o *Orchestrator) dispatchLocked(slot slotRequest) {
	o.stopAdvanceLocked()

	p := o.personaAt(slot.speaker)
	req := o.buildRequestLocked(slot)

	o.reqSeq++
	seq := o.reqSeq
	ctx, cancel := context.WithCancel(o.ctx)
	o.inFlight = &inflight{seq: seq, slot: slot, cancel: cancel}
	o.failed = nil
	o.session.Turn.ActiveSpeaker = slot.speaker

	if slot.opening {
		o.setStateLocked(StateAwaitingFirstLine)
	} else {
		o.setStateLocked(StateAwaitingResponse)
	}

	go o.run(ctx, seq, p.ID, req, o.profile.Streaming)
}

// buildRequestLocked packs persona, scenario and the role-shuffled history.
// Persona lines are assistant statements (name-prefixed in director mode),
// mediation is a user line.
func (o *Orchestrator) buildRequestLocked(slot slotRequest) ai.Request {
	current := o.personaAt(slot.speaker)
	in := ai.PromptInput{Persona: &current, Scenario: o.cfg.Scenario, Mode: o.cfg.Mode}

	opts := ai.HistoryOptions{TokenBudget: o.profile.HistoryTokenBudget}
	var counterpart persona.Persona
	if o.cfg.Mode == chat.ModeDirector {
		counterpart = o.personaAt(slot.speaker.Other())
		in.Counterpart = &counterpart
		opts.Names = o.names
	}

	messages := o.session.Messages
	var query string
	switch {
	case o.cfg.Mode == chat.ModeActor && len(messages) > 0 && messages[len(messages)-1].Role == chat.RoleUser:
		query = messages[len(messages)-1].Content
		messages = messages[:len(messages)-1]
	case o.cfg.Mode == chat.ModeDirector && o.hasPersonaLine(messages):
		query = o.deps.Prompts.DirectorCue(&current, &counterpart)
	default:
		query = o.deps.Prompts.OpeningCue(&current)
	}

	return ai.Request{
		SessionID: o.id,
		ModelID:   o.profile.ID,
		System:    o.deps.Prompts.BuildSystemPrompt(in),
		History:   ai.BuildHistory(messages, opts),
		Query:     query,
		Sampling:  o.cfg.Sampling,
	}
}

func (o *Orchestrator) hasPersonaLine(messages []chat.Message) bool {
	for _, msg := range messages {
		if msg.IsPersonaLine() {
			return true
		}
	}
	return false
}

// run performs the request outside the lock. Streaming models go through
// the receiver, the others through the retried blocking call.
func (o *Orchestrator) run(ctx context.Context, seq uint64, speakerID string, req ai.Request, streaming bool) {
	if !streaming {
		start := time.Now()
		reply, err := utils.Retry(ctx, o.cfg.Retry, func(ctx context.Context) (*schema.Message, error) {
			msg, err := o.deps.Chat.Generate(ctx, req)
			return msg, ai.Classify(err)
		})
		if err != nil {
			o.onFailure(seq, err)
			return
		}
		log.Printf("[conversation] session=%s speaker=%s replied in %s", o.id, speakerID, time.Since(start))
		o.onReply(seq, reply.Content)
		return
	}

	reader, err := o.deps.Chat.Stream(ctx, req)
	if err != nil {
		o.onFailure(seq, ai.Classify(err))
		return
	}
	handle := stream.Receive(ctx, reader, stream.Callbacks{
		OnChunk:    func(delta string) { o.onChunk(seq, speakerID, delta) },
		OnComplete: func(full string) { o.onReply(seq, full) },
		OnError:    func(err error) { o.onFailure(seq, err) },
	})

	o.mu.Lock()
	if o.isCurrentLocked(seq) {
		o.inFlight.handle = handle
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	handle.Cancel()
}

func (o *Orchestrator) isCurrentLocked(seq uint64) bool {
	return o.inFlight != nil && o.inFlight.seq == seq
}

func (o *Orchestrator) onChunk(seq uint64, speakerID, delta string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(seq) {
		return
	}
	o.emitLocked(Event{Kind: EventChunk, Speaker: speakerID, Delta: delta})
}

func (o *Orchestrator) onReply(seq uint64, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(seq) {
		return
	}
	flight := o.inFlight
	o.inFlight = nil
	flight.cancel()

	text = strings.TrimSpace(text)
	if text == "" {
		o.failLocked(flight.slot, fmt.Errorf("%w: empty reply", ai.ErrMalformedResponse))
		return
	}

	p := o.personaAt(flight.slot.speaker)
	msg := o.appendLocked(chat.Message{
		Role:       chat.RoleAssistant,
		Content:    text,
		SpeakerTag: p.ID,
		AudioRef:   o.speakLocked(p, text),
	})
	if msg.AudioRef != "" && o.deps.Playback != nil {
		o.deps.Playback.Schedule(msg.AudioRef, o.cfg.Playback)
	}

	o.completeSlotLocked(flight.slot)
}

func (o *Orchestrator) onFailure(seq uint64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(seq) {
		return
	}
	flight := o.inFlight
	o.inFlight = nil
	flight.cancel()
	o.failLocked(flight.slot, err)
}

// completeSlotLocked advances the turn state after a persona line has been
// appended.
func (o *Orchestrator) completeSlotLocked(slot slotRequest) {
	if o.cfg.Mode == chat.ModeActor {
		o.session.Turn.ActiveSpeaker = chat.Participant1
		if slot.opening {
			o.setStateLocked(StateTurnComplete)
			o.persistLocked()
			return
		}
		o.countTurnLocked()
		if o.counter.HasReachedLimit() {
			o.endLocked(EndReasonTurnLimit)
			return
		}
		o.setStateLocked(StateTurnComplete)
		o.persistLocked()
		return
	}

	next := slot.speaker.Other()
	o.session.Turn.ActiveSpeaker = next

	if slot.speaker == chat.Participant1 {
		if slot.opening {
			o.dispatchLocked(slotRequest{speaker: next, opening: true})
			return
		}
		o.setStateLocked(StateTurnComplete)
		o.persistLocked()
		o.scheduleAdvanceLocked(next)
		return
	}

	// 第二位角色说完才算一个回合
	o.countTurnLocked()
	if o.counter.HasReachedLimit() {
		o.endLocked(EndReasonTurnLimit)
		return
	}
	o.setStateLocked(StateTurnComplete)
	o.persistLocked()
	o.scheduleAdvanceLocked(next)
}

func (o *Orchestrator) countTurnLocked() {
	o.counter.Increment()
	turn := o.turnLocked()
	o.session.Turn.TurnCount = turn.TurnCount
	o.emitLocked(Event{Kind: EventTurn, Turn: &turn})
}

func (o *Orchestrator) failLocked(slot slotRequest, err error) {
	o.stopAdvanceLocked()
	o.failed = &slot
	o.session.Turn.ActiveSpeaker = slot.speaker

	speakerID := o.personaAt(slot.speaker).ID
	log.Printf("[conversation] request failed for session=%s speaker=%s: %v", o.id, speakerID, err)
	o.emitLocked(Event{Kind: EventError, Speaker: speakerID, Code: ai.Code(err), Error: err.Error()})
	o.setStateLocked(StateFailed)
}

func (o *Orchestrator) cancelInFlightLocked() {
	if o.inFlight == nil {
		return
	}
	flight := o.inFlight
	o.inFlight = nil
	o.reqSeq++
	flight.cancel()
	if flight.handle != nil {
		flight.handle.Cancel()
	}
}

// scheduleAdvanceLocked hands a turnCompleted to the single auto-advance
// timer, replacing any earlier one.
func (o *Orchestrator) scheduleAdvanceLocked(next chat.Speaker) {
	o.stopAdvanceLocked()
	if o.paused || o.closed || o.cfg.Mode != chat.ModeDirector {
		return
	}
	o.advanceSeq++
	evt := turnCompleted{
		epoch:     o.epoch,
		seq:       o.advanceSeq,
		next:      next,
		turnCount: o.counter.Count(),
	}
	o.advance = time.AfterFunc(o.cfg.SettleDelay, func() { o.autoAdvance(evt) })
}

func (o *Orchestrator) stopAdvanceLocked() {
	if o.advance != nil {
		o.advance.Stop()
		o.advance = nil
	}
	o.advanceSeq++
}

func (o *Orchestrator) autoAdvance(evt turnCompleted) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || evt.epoch != o.epoch || evt.seq != o.advanceSeq {
		return
	}
	if o.state == StateAwaitingResponse || o.state == StateAwaitingFirstLine {
		log.Printf("[conversation] auto-advance ignored for session=%s: request in flight", o.id)
		return
	}
	if o.state != StateTurnComplete || o.paused {
		return
	}

	next := o.personaAt(evt.next)
	if last, ok := o.session.LastPersonaLine(); ok && last.SpeakerTag == next.ID {
		log.Printf("[conversation] auto-advance skipped for session=%s: %s spoke last", o.id, next.ID)
		return
	}
	o.advance = nil
	o.dispatchLocked(slotRequest{speaker: evt.next})
}

// speakLocked starts synthesis for a persona line. TTS problems never fail
// the turn.
func (o *Orchestrator) speakLocked(p persona.Persona, text string) string {
	if o.deps.Voice == nil {
		return ""
	}
	ref, err := o.deps.Voice.Speak(speech.TTSRequest{
		SessionID: o.id,
		Text:      text,
		Voice:     p.VoiceID,
		Speed:     o.cfg.Voice.Speed,
		Quality:   o.cfg.Voice.Quality,
		Format:    o.cfg.Voice.Format,
	})
	if err != nil {
		log.Printf("[conversation] tts skipped for session=%s speaker=%s: %v", o.id, p.ID, err)
		return ""
	}
	return ref
}
