package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
	"github.com/zhouzirui/tavern-stage/internal/service/history"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

const waitTimeout = 3 * time.Second

var (
	landlord = persona.Persona{ID: "landlord", Name: "王房东", VoiceID: "voice-landlord"}
	tenant   = persona.Persona{ID: "tenant", Name: "小李", VoiceID: "voice-tenant"}
)

// fakeChat answers every request with a numbered line unless fail says
// otherwise.
type fakeChat struct {
	profile ai.ModelProfile

	mu     sync.Mutex
	calls  []ai.Request
	fail   func(req ai.Request) error
	gate   chan struct{}
	chunks []string
}

func newFakeChat(maxTurns int, streaming bool) *fakeChat {
	return &fakeChat{profile: ai.ModelProfile{
		ID:        "test-model",
		Backend:   ai.BackendArk,
		Streaming: streaming,
		MaxTurns:  maxTurns,
	}}
}

func (f *fakeChat) Profile(modelID string) (ai.ModelProfile, error) {
	if modelID != "" && modelID != f.profile.ID {
		return ai.ModelProfile{}, ai.ErrUnknownModel
	}
	return f.profile, nil
}

func (f *fakeChat) record(req ai.Request) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	fail := f.fail
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		if err := fail(req); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (f *fakeChat) Generate(ctx context.Context, req ai.Request) (*schema.Message, error) {
	n, err := f.record(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return schema.AssistantMessage(fmt.Sprintf("line %d", n), nil), nil
}

func (f *fakeChat) Stream(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	if _, err := f.record(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	chunks := append([]string(nil), f.chunks...)
	f.mu.Unlock()

	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	go func() {
		defer sw.Close()
		for _, c := range chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
	}()
	return sr, nil
}

func (f *fakeChat) setFail(fn func(req ai.Request) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChat) lastCall() ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// recorder collects events in order.
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 4096)}
}

func (r *recorder) listen(evt Event) {
	r.events <- evt
}

func (r *recorder) waitFor(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case evt := <-r.events:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func (r *recorder) waitState(t *testing.T, states ...State) State {
	t.Helper()
	evt := r.waitFor(t, func(e Event) bool {
		if e.Kind != EventState {
			return false
		}
		for _, s := range states {
			if e.State == s {
				return true
			}
		}
		return false
	})
	return evt.State
}

func (r *recorder) drain() []Event {
	var out []Event
	for {
		select {
		case evt := <-r.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func fastRetry() utils.RetryPolicy {
	return utils.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond}
}

func newActor(t *testing.T, chatSvc *fakeChat, deps Dependencies) (*Orchestrator, *recorder) {
	t.Helper()
	rec := newRecorder()
	deps.Chat = chatSvc
	o, err := NewOrchestrator(Config{
		Mode:     chat.ModeActor,
		Personas: []persona.Persona{landlord},
		Scenario: chat.Scenario{OpponentName: "王房东", SituationText: "催缴房租"},
		Retry:    fastRetry(),
	}, deps, rec.listen)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, rec
}

func newDirector(t *testing.T, chatSvc *fakeChat, settle time.Duration, deps Dependencies) (*Orchestrator, *recorder) {
	t.Helper()
	rec := newRecorder()
	deps.Chat = chatSvc
	o, err := NewOrchestrator(Config{
		Mode:        chat.ModeDirector,
		Personas:    []persona.Persona{landlord, tenant},
		Scenario:    chat.Scenario{SituationText: "催缴房租"},
		SettleDelay: settle,
		Retry:       fastRetry(),
	}, deps, rec.listen)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, rec
}

func TestActorTurnLimitRejectsFurtherSubmissions(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(20, false)
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	if got := len(o.Snapshot().Messages); got != 1 {
		t.Fatalf("expected the opening line only, got %d messages", got)
	}

	for i := 1; i <= 20; i++ {
		if _, err := o.Submit(ctx, fmt.Sprintf("第%d句", i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		state := rec.waitState(t, StateTurnComplete, StateSessionEnded)

		snap := o.Snapshot()
		if snap.Turn.TurnCount != i {
			t.Fatalf("after %d submissions turn count is %d", i, snap.Turn.TurnCount)
		}
		if len(snap.Messages) != 2*i+1 {
			t.Fatalf("after %d turns expected %d messages, got %d", i, 2*i+1, len(snap.Messages))
		}
		if i < 20 && state != StateTurnComplete {
			t.Fatalf("session ended early at turn %d", i)
		}
		if i == 20 && state != StateSessionEnded {
			t.Fatalf("20th turn should end the session, state=%s", state)
		}
	}

	calls := chatSvc.callCount()
	if calls != 21 {
		t.Fatalf("expected 21 chat calls (opening + 20 replies), got %d", calls)
	}

	_, err := o.Submit(ctx, "还有一句")
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
	if chatSvc.callCount() != calls {
		t.Fatal("rejected submission reached the chat service")
	}
	if got := len(o.Snapshot().Messages); got != 41 {
		t.Fatalf("rejected submission changed the transcript: %d messages", got)
	}
}

func TestActorRequestCarriesHistoryAndQuery(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	opening := chatSvc.lastCall()
	if len(opening.History) != 0 {
		t.Fatalf("opening request should have no history, got %d", len(opening.History))
	}
	if !strings.Contains(opening.System, "王房东") || !strings.Contains(opening.System, "催缴房租") {
		t.Fatalf("system prompt misses persona or scenario:\n%s", opening.System)
	}

	if _, err := o.Submit(ctx, "下周一定给"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	req := chatSvc.lastCall()
	if req.Query != "下周一定给" {
		t.Fatalf("unexpected query %q", req.Query)
	}
	if len(req.History) != 1 || req.History[0].Role != schema.Assistant {
		t.Fatalf("expected the opening line as assistant history, got %+v", req.History)
	}
	if req.SessionID != o.ID() || req.ModelID != "test-model" {
		t.Fatalf("unexpected routing: session=%s model=%s", req.SessionID, req.ModelID)
	}
}

func TestActorSubmitPreconditions(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newActor(t, chatSvc, Dependencies{})

	if _, err := o.Submit(ctx, "太早了"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("submit before start: %v", err)
	}
	if _, err := o.Submit(ctx, "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("blank submit: %v", err)
	}
	if _, err := o.Mediate("导演"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("mediate in actor mode: %v", err)
	}
	if err := o.Pause(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("pause in actor mode: %v", err)
	}

	gate := make(chan struct{})
	chatSvc.mu.Lock()
	chatSvc.gate = gate
	chatSvc.mu.Unlock()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("second start: %v", err)
	}
	if _, err := o.Submit(ctx, "抢答"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("submit while opening in flight: %v", err)
	}
	close(gate)
	rec.waitState(t, StateTurnComplete)

	if _, err := o.Submit(ctx, "好的"); err != nil {
		t.Fatalf("submit after opening: %v", err)
	}
}

func TestActorFailureKeepsTurnStateAndRetries(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	chatSvc.setFail(func(ai.Request) error { return fmt.Errorf("%w: 503", ai.ErrServiceError) })
	if _, err := o.Submit(ctx, "能便宜点吗"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	errEvt := rec.waitFor(t, func(e Event) bool { return e.Kind == EventError })
	if errEvt.Code != "service_error" {
		t.Fatalf("unexpected error code %q", errEvt.Code)
	}
	rec.waitState(t, StateFailed)

	if got := chatSvc.callCount(); got != 3 {
		t.Fatalf("expected opening + 2 attempts, got %d calls", got)
	}
	snap := o.Snapshot()
	if snap.Turn.TurnCount != 0 || len(snap.Messages) != 2 {
		t.Fatalf("failure corrupted state: turns=%d messages=%d", snap.Turn.TurnCount, len(snap.Messages))
	}
	if _, err := o.Submit(ctx, "再说一次"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("submit with retry pending: %v", err)
	}

	chatSvc.setFail(nil)
	if err := o.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	if req := chatSvc.lastCall(); req.Query != "能便宜点吗" {
		t.Fatalf("retry sent a different query: %q", req.Query)
	}
	if snap := o.Snapshot(); snap.Turn.TurnCount != 1 || len(snap.Messages) != 3 {
		t.Fatalf("unexpected state after retry: turns=%d messages=%d", snap.Turn.TurnCount, len(snap.Messages))
	}
	if err := o.Retry(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("retry without failure: %v", err)
	}
}

func TestNonRetryableFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "malformed reply", err: fmt.Errorf("%w: empty reply", ai.ErrMalformedResponse), code: "malformed_response"},
		{name: "unknown model", err: fmt.Errorf("%w: gone", ai.ErrUnknownModel), code: "unknown_model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			chatSvc := newFakeChat(0, false)
			chatSvc.setFail(func(ai.Request) error { return tt.err })
			o, rec := newActor(t, chatSvc, Dependencies{})

			if err := o.Start(ctx); err != nil {
				t.Fatalf("start: %v", err)
			}
			evt := rec.waitFor(t, func(e Event) bool { return e.Kind == EventError })
			if evt.Code != tt.code {
				t.Fatalf("error code = %q, want %q", evt.Code, tt.code)
			}
			rec.waitState(t, StateFailed)
			if got := chatSvc.callCount(); got != 1 {
				t.Fatalf("non-retryable failure was retried: %d calls", got)
			}
			if len(o.Snapshot().Messages) != 0 {
				t.Fatal("failure appended a placeholder message")
			}
		})
	}
}

func TestDirectorAlternatesAndCountsPairs(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(3, false)
	o, rec := newDirector(t, chatSvc, 5*time.Millisecond, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateSessionEnded)

	snap := o.Snapshot()
	if snap.Turn.TurnCount != 3 {
		t.Fatalf("expected 3 turns, got %d", snap.Turn.TurnCount)
	}
	if len(snap.Messages) != 6 {
		t.Fatalf("expected 6 persona lines, got %d", len(snap.Messages))
	}
	for i, msg := range snap.Messages {
		want := landlord.ID
		if i%2 == 1 {
			want = tenant.ID
		}
		if msg.SpeakerTag != want {
			t.Fatalf("message %d spoken by %s, want %s", i, msg.SpeakerTag, want)
		}
		if i > 0 && snap.Messages[i-1].SpeakerTag == msg.SpeakerTag {
			t.Fatalf("consecutive lines by %s", msg.SpeakerTag)
		}
	}
	if chatSvc.callCount() != 6 {
		t.Fatalf("expected 6 chat calls, got %d", chatSvc.callCount())
	}
}

func TestDirectorTurnEventsEveryTwoLines(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(2, false)
	o, rec := newDirector(t, chatSvc, time.Millisecond, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	lines := 0
	rec.waitFor(t, func(e Event) bool {
		switch e.Kind {
		case EventMessage:
			lines++
		case EventTurn:
			if lines%2 != 0 || e.Turn.TurnCount != lines/2 {
				t.Errorf("turn %d reported after %d lines", e.Turn.TurnCount, lines)
			}
		case EventEnded:
			return true
		}
		return false
	})
	if lines != 4 || o.Turn().TurnCount != 2 {
		t.Fatalf("lines=%d turns=%d", lines, o.Turn().TurnCount)
	}
}

func TestDirectorSecondPersonaFailureRetriesSecondPersona(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	chatSvc.setFail(func(req ai.Request) error {
		if strings.Contains(req.System, "扮演"+tenant.Name) {
			return fmt.Errorf("%w: connection reset", ai.ErrNetworkFailure)
		}
		return nil
	})
	o, rec := newDirector(t, chatSvc, 10*time.Millisecond, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	errEvt := rec.waitFor(t, func(e Event) bool { return e.Kind == EventError })
	if errEvt.Speaker != tenant.ID {
		t.Fatalf("failure attributed to %s", errEvt.Speaker)
	}
	rec.waitState(t, StateFailed)

	callsAfterFailure := chatSvc.callCount()
	time.Sleep(60 * time.Millisecond)
	if chatSvc.callCount() != callsAfterFailure {
		t.Fatal("conversation auto-advanced after a failure")
	}
	snap := o.Snapshot()
	if snap.Turn.TurnCount != 0 {
		t.Fatalf("turn counted despite failure: %d", snap.Turn.TurnCount)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].SpeakerTag != landlord.ID {
		t.Fatalf("unexpected transcript after failure: %+v", snap.Messages)
	}

	chatSvc.setFail(nil)
	if err := o.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := o.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	if req := chatSvc.lastCall(); !strings.Contains(req.System, "扮演"+tenant.Name) {
		t.Fatalf("retry addressed the wrong persona:\n%s", req.System)
	}
	snap = o.Snapshot()
	if snap.Turn.TurnCount != 1 || len(snap.Messages) != 2 {
		t.Fatalf("unexpected state after retry: turns=%d messages=%d", snap.Turn.TurnCount, len(snap.Messages))
	}
	if snap.Messages[1].SpeakerTag != tenant.ID {
		t.Fatalf("retry appended a line for %s", snap.Messages[1].SpeakerTag)
	}
}

func TestDirectorMediationShapesNextRequest(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newDirector(t, chatSvc, time.Hour, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	if _, err := o.Mediate("房东态度软一点"); err != nil {
		t.Fatalf("mediate: %v", err)
	}
	if _, err := o.Submit(ctx, "我来说"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("submit in director mode: %v", err)
	}
	if err := o.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := o.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// Resume re-arms the hour-long timer; drive the advance directly.
	o.mu.Lock()
	evt := turnCompleted{epoch: o.epoch, seq: o.advanceSeq, next: chat.Participant1}
	o.mu.Unlock()
	o.autoAdvance(evt)
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventMessage && e.Speaker == landlord.ID })

	req := chatSvc.lastCall()
	if !strings.Contains(req.System, "扮演"+landlord.Name) {
		t.Fatalf("expected the landlord to speak next:\n%s", req.System)
	}
	var sawPrefix, sawMediation bool
	for _, m := range req.History {
		if m.Role == schema.Assistant && strings.HasPrefix(m.Content, tenant.Name+"：") {
			sawPrefix = true
		}
		if m.Role == schema.User && strings.Contains(m.Content, "导演提示：房东态度软一点") {
			sawMediation = true
		}
	}
	if !sawPrefix || !sawMediation {
		t.Fatalf("history not role-shuffled: %+v", req.History)
	}
	if o.Turn().TurnCount != 1 {
		t.Fatalf("mediation or half turn changed the count: %d", o.Turn().TurnCount)
	}
}

func TestAutoAdvanceGuards(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newDirector(t, chatSvc, time.Hour, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	calls := chatSvc.callCount()

	o.mu.Lock()
	current := o.advanceSeq
	epoch := o.epoch
	o.mu.Unlock()

	// stale trigger
	o.autoAdvance(turnCompleted{epoch: epoch, seq: current - 1, next: chat.Participant1})
	// persona about to speak already spoke last
	o.autoAdvance(turnCompleted{epoch: epoch, seq: current, next: chat.Participant2})
	if chatSvc.callCount() != calls {
		t.Fatal("guarded auto-advance issued a request")
	}
	if o.State() != StateTurnComplete {
		t.Fatalf("unexpected state %s", o.State())
	}
}

func TestAutoAdvanceIgnoredWhileRequestInFlight(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	o, rec := newDirector(t, chatSvc, time.Hour, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	gate := make(chan struct{})
	chatSvc.mu.Lock()
	chatSvc.gate = gate
	chatSvc.mu.Unlock()

	o.mu.Lock()
	seq, epoch := o.advanceSeq, o.epoch
	o.mu.Unlock()
	o.autoAdvance(turnCompleted{epoch: epoch, seq: seq, next: chat.Participant1})
	rec.waitState(t, StateAwaitingResponse)

	deadline := time.Now().Add(waitTimeout)
	for chatSvc.callCount() != 3 {
		if time.Now().After(deadline) {
			close(gate)
			t.Fatalf("expected the advanced request to reach chat, calls=%d", chatSvc.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 当前有效的触发在请求进行中到达
	o.mu.Lock()
	seq, epoch = o.advanceSeq, o.epoch
	o.mu.Unlock()
	o.autoAdvance(turnCompleted{epoch: epoch, seq: seq, next: chat.Participant2})

	if got := chatSvc.callCount(); got != 3 {
		close(gate)
		t.Fatalf("in-flight trigger issued another request, calls=%d", got)
	}
	if o.State() != StateAwaitingResponse {
		close(gate)
		t.Fatalf("unexpected state %s", o.State())
	}

	close(gate)
	rec.waitState(t, StateTurnComplete)
	if got := chatSvc.callCount(); got != 3 {
		t.Fatalf("expected exactly one advanced request, calls=%d", got)
	}
}

func TestStreamingRepliesEmitChunks(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, true)
	chatSvc.chunks = []string{"这个月", "的房租", "呢？"}
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var deltas []string
	var final *chat.Message
	rec.waitFor(t, func(e Event) bool {
		switch e.Kind {
		case EventChunk:
			deltas = append(deltas, e.Delta)
		case EventMessage:
			final = e.Message
			return true
		}
		return false
	})
	if strings.Join(deltas, "") != "这个月的房租呢？" {
		t.Fatalf("unexpected chunks %v", deltas)
	}
	if final == nil || final.Content != "这个月的房租呢？" || final.SpeakerTag != landlord.ID {
		t.Fatalf("unexpected final message %+v", final)
	}
}

func TestEmptyStreamFailsAsMalformed(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, true)
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	evt := rec.waitFor(t, func(e Event) bool { return e.Kind == EventError })
	if evt.Code != "malformed_response" {
		t.Fatalf("unexpected code %q", evt.Code)
	}
	rec.waitState(t, StateFailed)
}

type fakeVoice struct {
	mu   sync.Mutex
	reqs []speech.TTSRequest
}

func (f *fakeVoice) Speak(req speech.TTSRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("ref-%d", len(f.reqs)), nil
}

type fakePlayback struct {
	mu        sync.Mutex
	scheduled []string
	triggered []string
	stops     int
}

func (f *fakePlayback) Schedule(ref string, _ playback.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, ref)
}

func (f *fakePlayback) Trigger(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, ref)
}

func (f *fakePlayback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func TestPersonaLinesAreVoicedAndScheduled(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	voice := &fakeVoice{}
	player := &fakePlayback{}
	o, rec := newActor(t, chatSvc, Dependencies{Voice: voice, Playback: player})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	snap := o.Snapshot()
	if snap.Messages[0].AudioRef != "ref-1" {
		t.Fatalf("message not linked to audio: %+v", snap.Messages[0])
	}
	voice.mu.Lock()
	if len(voice.reqs) != 1 || voice.reqs[0].Voice != landlord.VoiceID || voice.reqs[0].Text != "line 1" {
		t.Fatalf("unexpected tts requests %+v", voice.reqs)
	}
	voice.mu.Unlock()

	player.mu.Lock()
	if len(player.scheduled) != 1 || player.scheduled[0] != "ref-1" {
		t.Fatalf("unexpected schedule calls %v", player.scheduled)
	}
	player.mu.Unlock()

	if err := o.Play(snap.Messages[0].ID); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := o.Play("missing"); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("play unknown message: %v", err)
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.triggered) != 1 || player.triggered[0] != "ref-1" {
		t.Fatalf("unexpected triggers %v", player.triggered)
	}
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
	last  evaluation.Input
}

func (f *fakeEvaluator) Evaluate(_ context.Context, in evaluation.Input) evaluation.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	return evaluation.Result{Summary: "ok", Score: 88, Comment: fmt.Sprintf("%d lines", len(in.Messages))}
}

func TestEvaluateRequiresCompletedTurn(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	eval := &fakeEvaluator{}
	o, rec := newActor(t, chatSvc, Dependencies{Evaluator: eval})

	if _, err := o.Evaluate(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("evaluate in idle: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	calls := chatSvc.callCount()
	if _, err := o.Evaluate(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("evaluate after opening only: %v", err)
	}
	if eval.calls != 0 || chatSvc.callCount() != calls {
		t.Fatal("premature evaluation reached a service")
	}

	if _, err := o.Submit(ctx, "好"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	if err := o.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	result, err := o.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Score != 88 || result.Comment != "3 lines" {
		t.Fatalf("unexpected result %+v", result)
	}
	if eval.last.Speaker == nil || eval.last.Speaker.ID != landlord.ID {
		t.Fatalf("actor evaluation should be voiced by the opponent, got %+v", eval.last.Speaker)
	}
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventEvaluation && e.Evaluation.Score == 88 })
}

func TestDirectorEvaluationVoicedByNextSpeaker(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	eval := &fakeEvaluator{}
	o, rec := newDirector(t, chatSvc, time.Hour, Dependencies{Evaluator: eval})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventTurn && e.Turn.TurnCount == 1 })
	rec.waitState(t, StateTurnComplete)

	if _, err := o.Evaluate(ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.last.Speaker == nil || eval.last.Speaker.ID != landlord.ID {
		t.Fatalf("expected the persona due to speak next, got %+v", eval.last.Speaker)
	}
	if eval.last.Mode != chat.ModeDirector || len(eval.last.Personas) != 2 || len(eval.last.Messages) != 2 {
		t.Fatalf("unexpected evaluation input %+v", eval.last)
	}
}

func TestSnapshotsAndRestart(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	store := history.NewMemoryStore()
	o, rec := newActor(t, chatSvc, Dependencies{History: store})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	if _, err := o.Submit(ctx, "下周给"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	o.snapshots.flush()

	saved, err := store.Restore(ctx, o.ID())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if saved.Turn.TurnCount != 1 || len(saved.Messages) != 3 {
		t.Fatalf("snapshot out of date: turns=%d messages=%d", saved.Turn.TurnCount, len(saved.Messages))
	}
	if !strings.Contains(saved.ScriptText, "我：下周给") {
		t.Fatalf("script text not derived:\n%s", saved.ScriptText)
	}

	if err := o.Restart(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := store.Restore(ctx, o.ID()); !errors.Is(err, history.ErrSessionNotFound) {
		t.Fatalf("restart kept the snapshot: %v", err)
	}
	if o.State() != StateIdle || o.Turn().TurnCount != 0 || len(o.Snapshot().Messages) != 0 {
		t.Fatalf("restart did not reset the session")
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start after restart: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
}

// slowStore holds every snapshot write until release is closed.
type slowStore struct {
	*history.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) Snapshot(ctx context.Context, session chat.Session) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.MemoryStore.Snapshot(ctx, session)
}

func TestSlowSnapshotWriteDoesNotBlockReaders(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	store := &slowStore{
		MemoryStore: history.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	o, rec := newActor(t, chatSvc, Dependencies{History: store})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(store.release) }) }
	// 先于 o.Close 执行，避免清理时卡在写入上
	t.Cleanup(release)

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	select {
	case <-store.entered:
	case <-time.After(waitTimeout):
		t.Fatal("snapshot write never started")
	}

	read := make(chan chat.Session, 1)
	go func() { read <- o.Snapshot() }()
	select {
	case snap := <-read:
		if len(snap.Messages) != 1 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked behind the store write")
	}
	if _, err := o.Submit(ctx, "再宽限几天"); err != nil {
		t.Fatalf("submit during slow write: %v", err)
	}
	rec.waitState(t, StateTurnComplete)

	release()
	o.snapshots.flush()
	saved, err := store.Restore(ctx, o.ID())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if saved.Turn.TurnCount != 1 || len(saved.Messages) != 3 {
		t.Fatalf("latest snapshot not written last: turns=%d messages=%d", saved.Turn.TurnCount, len(saved.Messages))
	}
}

func TestResumeContinuesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	store := history.NewMemoryStore()
	o, rec := newActor(t, chatSvc, Dependencies{History: store})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	if _, err := o.Submit(ctx, "第一句"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitState(t, StateTurnComplete)
	o.Close()

	saved, err := store.Restore(ctx, o.ID())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	rec2 := newRecorder()
	resumed, err := Resume(saved, Config{Personas: []persona.Persona{landlord}, Retry: fastRetry()},
		Dependencies{Chat: chatSvc, History: store}, rec2.listen)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resumed.Close()

	if resumed.State() != StateTurnComplete || resumed.Turn().TurnCount != 1 {
		t.Fatalf("unexpected resumed state %s turns=%d", resumed.State(), resumed.Turn().TurnCount)
	}
	if _, err := resumed.Submit(ctx, "第二句"); err != nil {
		t.Fatalf("submit after resume: %v", err)
	}
	rec2.waitState(t, StateTurnComplete)
	if snap := resumed.Snapshot(); snap.Turn.TurnCount != 2 || len(snap.Messages) != 5 {
		t.Fatalf("unexpected resumed progress: turns=%d messages=%d", snap.Turn.TurnCount, len(snap.Messages))
	}
}

func TestResumeInterruptedActorSessionNeedsRetry(t *testing.T) {
	chatSvc := newFakeChat(0, false)
	snapshot := chat.Session{
		ID:         "interrupted",
		Mode:       chat.ModeActor,
		PersonaIDs: []string{landlord.ID},
		ModelID:    "test-model",
		Messages: []chat.Message{
			{ID: "1", Role: chat.RoleAssistant, SpeakerTag: landlord.ID, Content: "房租呢？"},
			{ID: "2", Role: chat.RoleUser, SpeakerTag: chat.TagParticipant, Content: "马上"},
		},
		State: string(StateAwaitingResponse),
	}

	o, err := Resume(snapshot, Config{Personas: []persona.Persona{landlord}, Retry: fastRetry()},
		Dependencies{Chat: chatSvc}, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer o.Close()
	if o.State() != StateFailed {
		t.Fatalf("expected failed, got %s", o.State())
	}

	if _, err := Resume(snapshot, Config{Personas: []persona.Persona{tenant}}, Dependencies{Chat: chatSvc}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("mismatched persona accepted: %v", err)
	}
}

func TestCloseSuppressesLateReplies(t *testing.T) {
	ctx := context.Background()
	chatSvc := newFakeChat(0, false)
	gate := make(chan struct{})
	chatSvc.gate = gate
	o, rec := newActor(t, chatSvc, Dependencies{})

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitState(t, StateAwaitingFirstLine)
	o.Close()
	close(gate)

	time.Sleep(50 * time.Millisecond)
	for _, evt := range rec.drain() {
		if evt.Kind == EventMessage || evt.Kind == EventError {
			t.Fatalf("event delivered after close: %+v", evt)
		}
	}
	if len(o.Snapshot().Messages) != 0 {
		t.Fatal("late reply appended after close")
	}
	if err := o.Start(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	chatSvc := newFakeChat(0, false)
	cases := []Config{
		{Mode: "duet", Personas: []persona.Persona{landlord}},
		{Mode: chat.ModeActor, Personas: []persona.Persona{landlord, tenant}},
		{Mode: chat.ModeDirector, Personas: []persona.Persona{landlord}},
		{Mode: chat.ModeDirector, Personas: []persona.Persona{landlord, landlord}},
	}
	for i, cfg := range cases {
		if _, err := NewOrchestrator(cfg, Dependencies{Chat: chatSvc}, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if _, err := NewOrchestrator(Config{Mode: chat.ModeActor, Personas: []persona.Persona{landlord}, ModelID: "nope"},
		Dependencies{Chat: chatSvc}, nil); !errors.Is(err, ai.ErrUnknownModel) {
		t.Fatalf("unknown model: %v", err)
	}
}
