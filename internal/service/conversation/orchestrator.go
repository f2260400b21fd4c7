package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
	"github.com/zhouzirui/tavern-stage/internal/service/history"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

var (
	// ErrPrecondition 操作在当前状态下不被允许，不会发往任何外部服务。
	ErrPrecondition = errors.New("precondition violation")
	// ErrEmptyInput 用户输入为空。
	ErrEmptyInput = errors.New("empty input")
	// ErrInvalidConfig 会话配置不完整。
	ErrInvalidConfig = errors.New("invalid conversation config")
)

const (
	defaultSettleDelay = 1500 * time.Millisecond
	persistTimeout     = 5 * time.Second
)

// ChatService is the chat backend the orchestrator drives.
type ChatService interface {
	Profile(modelID string) (ai.ModelProfile, error)
	Generate(ctx context.Context, req ai.Request) (*schema.Message, error)
	Stream(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error)
}

// VoiceService starts synthesis and returns an audio reference at once.
type VoiceService interface {
	Speak(req speech.TTSRequest) (string, error)
}

// PlaybackController is the subset of playback.Scheduler used here.
type PlaybackController interface {
	Schedule(ref string, policy playback.Policy)
	Trigger(ref string)
	Stop()
}

// Evaluator produces the end-of-session evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluation.Input) evaluation.Result
}

// Dependencies are the collaborators of one orchestrator. Only Chat is
// required.
type Dependencies struct {
	Chat      ChatService
	Voice     VoiceService
	Playback  PlaybackController
	History   history.Store
	Evaluator Evaluator
	Prompts   *ai.PersonaPromptManager
}

// Voice 合成参数。
type Voice struct {
	Speed   float32
	Quality speech.Quality
	Format  string
}

// Config fixes everything about a session that does not change once it
// starts.
type Config struct {
	SessionID   string
	Mode        chat.Mode
	Personas    []persona.Persona
	Scenario    chat.Scenario
	ModelID     string
	Sampling    ai.Sampling
	Playback    playback.Policy
	Voice       Voice
	SettleDelay time.Duration
	Retry       utils.RetryPolicy
}

func (c *Config) validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	switch c.Mode {
	case chat.ModeActor:
		if len(c.Personas) != 1 {
			return fmt.Errorf("%w: actor mode needs exactly one persona, got %d", ErrInvalidConfig, len(c.Personas))
		}
	case chat.ModeDirector:
		if len(c.Personas) != 2 {
			return fmt.Errorf("%w: director mode needs exactly two personas, got %d", ErrInvalidConfig, len(c.Personas))
		}
		if c.Personas[0].ID == c.Personas[1].ID {
			return fmt.Errorf("%w: director mode needs two different personas", ErrInvalidConfig)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = utils.DefaultRetryPolicy()
	}
	if c.Retry.Retryable == nil {
		c.Retry.Retryable = ai.IsRetryable
	}
	if c.Playback.Mode == "" {
		c.Playback.Mode = playback.ModeImmediate
	}
	if c.Voice.Speed <= 0 {
		c.Voice.Speed = 1.0
	}
	if c.Voice.Quality == "" {
		c.Voice.Quality = speech.QualityStandard
	}
}

type slotRequest struct {
	speaker chat.Speaker
	opening bool
}

type inflight struct {
	seq    uint64
	slot   slotRequest
	cancel context.CancelFunc
	handle interface{ Cancel() }
}

// Orchestrator owns one session: its messages, its turn counter and the
// single in-flight request. All mutation happens under mu; network calls
// and timers re-enter through handlers that check a sequence number.
type Orchestrator struct {
	cfg      Config
	deps     Dependencies
	listener Listener
	profile  ai.ModelProfile
	names    map[string]string
	id       string

	mu      sync.Mutex
	session chat.Session
	state   State
	counter *Counter
	paused  bool
	closed  bool

	epoch      uint64
	reqSeq     uint64
	inFlight   *inflight
	failed     *slotRequest
	advance    *time.Timer
	advanceSeq uint64

	snapshots *snapshotWriter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator configures a session in the idle state.
func NewOrchestrator(cfg Config, deps Dependencies, listener Listener) (*Orchestrator, error) {
	if deps.Chat == nil {
		return nil, fmt.Errorf("%w: chat service is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	profile, err := deps.Chat.Profile(cfg.ModelID)
	if err != nil {
		return nil, err
	}
	if deps.Prompts == nil {
		deps.Prompts = ai.NewPersonaPromptManager()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	names := make(map[string]string, len(cfg.Personas))
	ids := make([]string, 0, len(cfg.Personas))
	for _, p := range cfg.Personas {
		names[p.ID] = p.Name
		ids = append(ids, p.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		listener: listener,
		profile:  profile,
		names:    names,
		id:       cfg.SessionID,
		state:    StateIdle,
		counter:  NewCounter(profile.MaxTurns),
		ctx:      ctx,
		cancel:   cancel,
	}
	if deps.History != nil {
		o.snapshots = newSnapshotWriter(deps.History, cfg.SessionID)
	}
	now := time.Now().UTC()
	o.session = chat.Session{
		ID:         cfg.SessionID,
		Mode:       cfg.Mode,
		PersonaIDs: ids,
		ModelID:    profile.ID,
		Turn: chat.TurnState{
			MaxTurns:      profile.MaxTurns,
			ActiveSpeaker: chat.Participant1,
		},
		Scenario:  cfg.Scenario,
		State:     string(StateIdle),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return o, nil
}

// Resume rebuilds an orchestrator from a persisted snapshot. cfg supplies
// the personas and runtime options; identity, mode, model and scenario come
// from the snapshot. Director sessions come back paused. A session that was
// interrupted mid-request comes back failed so the caller can Retry.
func Resume(snapshot chat.Session, cfg Config, deps Dependencies, listener Listener) (*Orchestrator, error) {
	cfg.SessionID = snapshot.ID
	cfg.Mode = snapshot.Mode
	cfg.ModelID = snapshot.ModelID
	cfg.Scenario = snapshot.Scenario

	o, err := NewOrchestrator(cfg, deps, listener)
	if err != nil {
		return nil, err
	}
	for i, p := range cfg.Personas {
		if i < len(snapshot.PersonaIDs) && snapshot.PersonaIDs[i] != p.ID {
			return nil, fmt.Errorf("%w: persona %s does not match snapshot", ErrInvalidConfig, p.ID)
		}
	}

	restored := snapshot.Clone()
	o.session.Messages = restored.Messages
	if !restored.CreatedAt.IsZero() {
		o.session.CreatedAt = restored.CreatedAt
	}
	o.counter.restore(restored.Turn.TurnCount)
	o.session.Turn.TurnCount = o.counter.Count()
	o.state = o.resumeStateLocked(State(restored.State))
	o.session.State = string(o.state)

	log.Printf("[conversation] resumed session=%s mode=%s state=%s turns=%d messages=%d",
		o.id, o.cfg.Mode, o.state, o.counter.Count(), len(o.session.Messages))
	return o, nil
}

func (o *Orchestrator) resumeStateLocked(saved State) State {
	if saved == StateSessionEnded || o.counter.HasReachedLimit() {
		return StateSessionEnded
	}
	messages := o.session.Messages
	if len(messages) == 0 {
		return StateIdle
	}

	if o.cfg.Mode == chat.ModeActor {
		o.session.Turn.ActiveSpeaker = chat.Participant1
		if last := messages[len(messages)-1]; last.Role == chat.RoleUser {
			o.failed = &slotRequest{speaker: chat.Participant1}
			return StateFailed
		}
		return StateTurnComplete
	}

	o.paused = true
	last, ok := o.session.LastPersonaLine()
	if !ok {
		o.failed = &slotRequest{speaker: chat.Participant1, opening: true}
		o.session.Turn.ActiveSpeaker = chat.Participant1
		return StateFailed
	}
	next := o.slotOf(last.SpeakerTag).Other()
	o.session.Turn.ActiveSpeaker = next
	if o.counter.Count() == 0 {
		// 开场只完成了一半
		o.failed = &slotRequest{speaker: next, opening: true}
		return StateFailed
	}
	return StateTurnComplete
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// Mode returns the session mode.
func (o *Orchestrator) Mode() chat.Mode { return o.cfg.Mode }

// Personas returns the configured personas in slot order.
func (o *Orchestrator) Personas() []persona.Persona {
	return append([]persona.Persona(nil), o.cfg.Personas...)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Turn returns the current turn state.
func (o *Orchestrator) Turn() chat.TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnLocked()
}

// Snapshot returns a deep copy of the owned session.
func (o *Orchestrator) Snapshot() chat.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Start requests the opening line: from the opponent in actor mode, from
// persona 1 then persona 2 in director mode.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return err
	}
	if o.state != StateIdle {
		return fmt.Errorf("%w: session already started (state %s)", ErrPrecondition, o.state)
	}

	log.Printf("[conversation] starting session=%s mode=%s model=%s max_turns=%d", o.id, o.cfg.Mode, o.profile.ID, o.counter.Max())
	o.dispatchLocked(slotRequest{speaker: chat.Participant1, opening: true})
	return nil
}

// Submit appends the participant's line and requests the reply. Actor mode
// only.
func (o *Orchestrator) Submit(ctx context.Context, text string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyInput
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return chat.Message{}, err
	}
	if o.cfg.Mode != chat.ModeActor {
		return chat.Message{}, fmt.Errorf("%w: submit is only available in actor mode", ErrPrecondition)
	}
	switch o.state {
	case StateTurnComplete:
	case StateSessionEnded:
		return chat.Message{}, fmt.Errorf("%w: session has ended", ErrPrecondition)
	case StateFailed:
		return chat.Message{}, fmt.Errorf("%w: a retry is pending", ErrPrecondition)
	case StateIdle:
		return chat.Message{}, fmt.Errorf("%w: session has not started", ErrPrecondition)
	default:
		return chat.Message{}, fmt.Errorf("%w: a request is already in flight", ErrPrecondition)
	}
	if o.counter.HasReachedLimit() {
		return chat.Message{}, fmt.Errorf("%w: turn limit reached", ErrPrecondition)
	}

	msg := o.appendLocked(chat.Message{
		Role:       chat.RoleUser,
		Content:    text,
		SpeakerTag: chat.TagParticipant,
	})
	o.dispatchLocked(slotRequest{speaker: chat.Participant1})
	return msg, nil
}

// Mediate appends a director's note. It shapes the following requests but
// never authors or counts as a turn. Director mode only.
func (o *Orchestrator) Mediate(text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyInput
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return chat.Message{}, err
	}
	if o.cfg.Mode != chat.ModeDirector {
		return chat.Message{}, fmt.Errorf("%w: mediation is only available in director mode", ErrPrecondition)
	}
	if o.state == StateIdle || o.state == StateSessionEnded {
		return chat.Message{}, fmt.Errorf("%w: cannot mediate in state %s", ErrPrecondition, o.state)
	}

	return o.appendLocked(chat.Message{
		Role:       chat.RoleUser,
		Content:    text,
		SpeakerTag: chat.TagMediator,
	}), nil
}

// Retry re-attempts exactly the request that failed.
func (o *Orchestrator) Retry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return err
	}
	if o.state != StateFailed || o.failed == nil {
		return fmt.Errorf("%w: nothing to retry (state %s)", ErrPrecondition, o.state)
	}

	slot := *o.failed
	log.Printf("[conversation] retrying session=%s speaker=%s", o.id, o.personaAt(slot.speaker).ID)
	o.dispatchLocked(slot)
	return nil
}

// Pause stops director auto-advance after the current line.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkDirectorLocked(); err != nil {
		return err
	}
	o.paused = true
	o.stopAdvanceLocked()
	o.emitStateLocked()
	return nil
}

// Resume re-arms director auto-advance.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkDirectorLocked(); err != nil {
		return err
	}
	o.paused = false
	if o.state == StateTurnComplete {
		o.scheduleAdvanceLocked(o.session.Turn.ActiveSpeaker)
	}
	o.emitStateLocked()
	return nil
}

// End finishes the session on request and snapshots it. Ending an ended
// session is a no-op.
func (o *Orchestrator) End(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if err := o.checkOpenLocked(); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.state == StateSessionEnded {
		o.mu.Unlock()
		return nil
	}
	o.cancelInFlightLocked()
	o.endLocked(EndReasonUser)
	o.mu.Unlock()

	o.snapshots.flush()
	return nil
}

// Restart drops the conversation and its snapshot and returns to idle
// under the same session id.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.reset(); err != nil {
		return err
	}
	o.snapshots.flush()
	return nil
}

func (o *Orchestrator) reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return err
	}

	o.cancelInFlightLocked()
	o.stopAdvanceLocked()
	o.epoch++
	if o.deps.Playback != nil {
		o.deps.Playback.Stop()
	}
	o.snapshots.remove()

	now := time.Now().UTC()
	o.counter.Reset()
	o.failed = nil
	o.paused = false
	o.session.Messages = nil
	o.session.ScriptText = ""
	o.session.Turn = chat.TurnState{MaxTurns: o.counter.Max(), ActiveSpeaker: chat.Participant1}
	o.session.CreatedAt = now
	o.session.UpdatedAt = now
	o.setStateLocked(StateIdle)

	log.Printf("[conversation] restarted session=%s", o.id)
	return nil
}

// Evaluate asks for the end-of-session evaluation. At least one turn must
// have completed; otherwise the chat service is never contacted.
func (o *Orchestrator) Evaluate(ctx context.Context) (evaluation.Result, error) {
	o.mu.Lock()
	if err := o.checkOpenLocked(); err != nil {
		o.mu.Unlock()
		return evaluation.Result{}, err
	}
	if o.deps.Evaluator == nil {
		o.mu.Unlock()
		return evaluation.Result{}, fmt.Errorf("%w: evaluation is not configured", ErrPrecondition)
	}
	switch o.state {
	case StateTurnComplete, StateFailed, StateSessionEnded:
	default:
		state := o.state
		o.mu.Unlock()
		return evaluation.Result{}, fmt.Errorf("%w: cannot evaluate in state %s", ErrPrecondition, state)
	}
	if o.counter.Count() < 1 {
		o.mu.Unlock()
		return evaluation.Result{}, fmt.Errorf("%w: no completed turn to evaluate", ErrPrecondition)
	}

	// 自评角色：演员模式为对手角色，导演模式为下一位该开口的角色
	speaker := o.personaAt(o.session.Turn.ActiveSpeaker)
	in := evaluation.Input{
		SessionID:          o.id,
		ModelID:            o.profile.ID,
		Mode:               o.cfg.Mode,
		Personas:           o.Personas(),
		Speaker:            &speaker,
		Scenario:           o.cfg.Scenario,
		Messages:           append([]chat.Message(nil), o.session.Messages...),
		HistoryTokenBudget: o.profile.HistoryTokenBudget,
	}
	o.mu.Unlock()

	result := o.deps.Evaluator.Evaluate(ctx, in)

	o.mu.Lock()
	if !o.closed {
		o.emitLocked(Event{Kind: EventEvaluation, Evaluation: &result})
	}
	o.mu.Unlock()
	return result, nil
}

// Play triggers playback of a message's audio, for on-click sessions or
// replays.
func (o *Orchestrator) Play(messageID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkOpenLocked(); err != nil {
		return err
	}
	if o.deps.Playback == nil {
		return fmt.Errorf("%w: playback is not configured", ErrPrecondition)
	}
	for _, msg := range o.session.Messages {
		if msg.ID != messageID {
			continue
		}
		if msg.AudioRef == "" {
			return fmt.Errorf("%w: message %s has no audio", ErrPrecondition, messageID)
		}
		o.deps.Playback.Trigger(msg.AudioRef)
		return nil
	}
	return fmt.Errorf("%w: message %s not found", ErrPrecondition, messageID)
}

// HandlePlayback forwards scheduler activity to the listener. It is meant
// to be the playback.Scheduler event callback.
func (o *Orchestrator) HandlePlayback(evt playback.Event) {
	if o.listener == nil {
		return
	}
	notice := &PlaybackNotice{Kind: evt.Kind, Ref: evt.Ref, URL: evt.URL}
	if evt.Err != nil {
		notice.Error = evt.Err.Error()
	}
	o.listener(Event{Kind: EventPlayback, SessionID: o.id, Playback: notice})
}

// Close abandons the session without ending it: the in-flight request and
// all timers are cancelled, the snapshot is kept.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.cancelInFlightLocked()
	o.stopAdvanceLocked()
	o.epoch++
	o.cancel()
	if o.deps.Playback != nil {
		o.deps.Playback.Stop()
	}
	log.Printf("[conversation] closed session=%s state=%s", o.id, o.state)
	o.mu.Unlock()

	// 关闭后快照必须已落盘，Leave 的删除才不会被覆盖
	o.snapshots.flush()
}

func (o *Orchestrator) checkOpenLocked() error {
	if o.closed {
		return fmt.Errorf("%w: session is closed", ErrPrecondition)
	}
	return nil
}

func (o *Orchestrator) checkDirectorLocked() error {
	if err := o.checkOpenLocked(); err != nil {
		return err
	}
	if o.cfg.Mode != chat.ModeDirector {
		return fmt.Errorf("%w: auto-advance only exists in director mode", ErrPrecondition)
	}
	if o.state == StateSessionEnded {
		return fmt.Errorf("%w: session has ended", ErrPrecondition)
	}
	return nil
}

func (o *Orchestrator) personaAt(slot chat.Speaker) persona.Persona {
	if slot == chat.Participant2 && len(o.cfg.Personas) > 1 {
		return o.cfg.Personas[1]
	}
	return o.cfg.Personas[0]
}

func (o *Orchestrator) slotOf(personaID string) chat.Speaker {
	if len(o.cfg.Personas) > 1 && o.cfg.Personas[1].ID == personaID {
		return chat.Participant2
	}
	return chat.Participant1
}

func (o *Orchestrator) turnLocked() chat.TurnState {
	turn := o.session.Turn
	turn.TurnCount = o.counter.Count()
	return turn
}

func (o *Orchestrator) snapshotLocked() chat.Session {
	snap := o.session.Clone()
	snap.Turn = o.turnLocked()
	snap.State = string(o.state)
	snap.ScriptText = chat.RenderScript(o.cfg.Scenario, snap.Messages, o.names)
	return snap
}

// persistLocked copies the session under the lock; the store write runs
// on the snapshot writer.
func (o *Orchestrator) persistLocked() {
	if o.snapshots == nil {
		return
	}
	o.session.UpdatedAt = time.Now().UTC()
	snap := o.snapshotLocked()
	o.session.ScriptText = snap.ScriptText
	o.snapshots.save(snap)
}

func (o *Orchestrator) appendLocked(msg chat.Message) chat.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	o.session.Messages = append(o.session.Messages, msg)
	o.session.UpdatedAt = msg.Timestamp

	copied := msg
	o.emitLocked(Event{Kind: EventMessage, Speaker: msg.SpeakerTag, Message: &copied})
	return msg
}

func (o *Orchestrator) setStateLocked(state State) {
	o.state = state
	o.session.State = string(state)
	o.emitStateLocked()
}

func (o *Orchestrator) emitStateLocked() {
	turn := o.turnLocked()
	o.emitLocked(Event{Kind: EventState, State: o.state, Paused: o.paused, Turn: &turn})
}

func (o *Orchestrator) emitLocked(evt Event) {
	if o.listener == nil {
		return
	}
	evt.SessionID = o.id
	o.listener(evt)
}

func (o *Orchestrator) endLocked(reason string) {
	o.stopAdvanceLocked()
	o.failed = nil
	o.setStateLocked(StateSessionEnded)
	turn := o.turnLocked()
	o.emitLocked(Event{Kind: EventEnded, Reason: reason, Turn: &turn})
	o.persistLocked()
	log.Printf("[conversation] session=%s ended (%s) after %d turns", o.id, reason, turn.TurnCount)
}
