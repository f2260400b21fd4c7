// Package session keeps the live orchestrators of this process and wires
// each one to its event hub and playback scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/model/persona"
	"github.com/zhouzirui/tavern-stage/internal/service/ai"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
	"github.com/zhouzirui/tavern-stage/internal/service/history"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
	"github.com/zhouzirui/tavern-stage/pkg/utils"
)

var (
	// ErrNotFound 会话既不在内存中也没有快照。
	ErrNotFound = errors.New("session not found")
	// ErrPersonaNotFound 请求中的角色不存在。
	ErrPersonaNotFound = persona.ErrNotFound
)

// Defaults are applied to every session the registry creates.
type Defaults struct {
	SettleDelay time.Duration
	Retry       utils.RetryPolicy
	Playback    playback.Policy
	Voice       conversation.Voice
}

// PlaybackRequest 前端选择的播放方式。
type PlaybackRequest struct {
	Mode    string `json:"mode"`
	DelayMs int    `json:"delayMs,omitempty"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Mode       chat.Mode        `json:"mode"`
	PersonaIDs []string         `json:"personaIds"`
	Scenario   chat.Scenario    `json:"scenario"`
	ModelID    string           `json:"modelId,omitempty"`
	Sampling   ai.Sampling      `json:"sampling"`
	Playback   *PlaybackRequest `json:"playback,omitempty"`
}

// Live is one running session.
type Live struct {
	Orchestrator *conversation.Orchestrator
	hub          *Hub
	scheduler    *playback.Scheduler
}

// Subscribe attaches an event subscriber.
func (l *Live) Subscribe() (<-chan conversation.Event, func()) {
	return l.hub.Subscribe()
}

func (l *Live) close() {
	l.Orchestrator.Close()
	if l.scheduler != nil {
		l.scheduler.Close()
	}
	l.hub.Close()
}

// Registry owns the live sessions.
type Registry struct {
	defaults Defaults
	personas persona.Store
	deps     conversation.Dependencies
	resolver playback.Resolver

	mu   sync.RWMutex
	live map[string]*Live
}

// NewRegistry creates a registry. deps.Playback is ignored: every session
// gets its own scheduler over resolver, or none when resolver is nil.
func NewRegistry(defaults Defaults, personas persona.Store, deps conversation.Dependencies, resolver playback.Resolver) *Registry {
	if deps.Prompts == nil {
		deps.Prompts = ai.NewPersonaPromptManager()
	}
	return &Registry{
		defaults: defaults,
		personas: personas,
		deps:     deps,
		resolver: resolver,
		live:     make(map[string]*Live),
	}
}

// Create configures, registers and starts a new session.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Live, error) {
	if req.Mode == "" {
		req.Mode = chat.ModeActor
	}
	personas, err := r.lookupPersonas(req.PersonaIDs)
	if err != nil {
		return nil, err
	}
	policy, err := r.playbackPolicy(req.Playback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", conversation.ErrInvalidConfig, err)
	}
	if req.Mode == chat.ModeActor && req.Scenario.OpponentName == "" && len(personas) > 0 {
		req.Scenario.OpponentName = personas[0].Name
	}

	cfg := r.baseConfig(personas, policy)
	cfg.Mode = req.Mode
	cfg.Scenario = req.Scenario
	cfg.ModelID = req.ModelID
	cfg.Sampling = req.Sampling

	live, err := r.build(func(deps conversation.Dependencies, listener conversation.Listener) (*conversation.Orchestrator, error) {
		return conversation.NewOrchestrator(cfg, deps, listener)
	})
	if err != nil {
		return nil, err
	}
	if err := live.Orchestrator.Start(ctx); err != nil {
		live.close()
		return nil, err
	}

	r.mu.Lock()
	r.live[live.Orchestrator.ID()] = live
	r.mu.Unlock()

	log.Printf("[session] created session=%s mode=%s personas=%v", live.Orchestrator.ID(), req.Mode, req.PersonaIDs)
	return live, nil
}

// Resume returns the live session, restoring it from its snapshot when it
// is not in memory.
func (r *Registry) Resume(ctx context.Context, id string) (*Live, error) {
	if live, err := r.Get(id); err == nil {
		return live, nil
	}
	if r.deps.History == nil {
		return nil, ErrNotFound
	}

	snapshot, err := r.deps.History.Restore(ctx, id)
	if errors.Is(err, history.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}

	personas, err := r.lookupPersonas(snapshot.PersonaIDs)
	if err != nil {
		return nil, err
	}
	cfg := r.baseConfig(personas, r.defaults.Playback)

	live, err := r.build(func(deps conversation.Dependencies, listener conversation.Listener) (*conversation.Orchestrator, error) {
		return conversation.Resume(snapshot, cfg, deps, listener)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.live[id]; ok {
		live.close()
		return existing, nil
	}
	r.live[id] = live
	return live, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Live, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live, ok := r.live[id]
	if !ok {
		return nil, ErrNotFound
	}
	return live, nil
}

// Snapshot returns the live session's state, or the persisted snapshot.
func (r *Registry) Snapshot(ctx context.Context, id string) (chat.Session, error) {
	if live, err := r.Get(id); err == nil {
		return live.Orchestrator.Snapshot(), nil
	}
	if r.deps.History == nil {
		return chat.Session{}, ErrNotFound
	}
	snapshot, err := r.deps.History.Restore(ctx, id)
	if errors.Is(err, history.ErrSessionNotFound) {
		return chat.Session{}, ErrNotFound
	}
	return snapshot, err
}

// Leave closes the live session and deletes its snapshot.
func (r *Registry) Leave(ctx context.Context, id string) error {
	r.mu.Lock()
	live, ok := r.live[id]
	delete(r.live, id)
	r.mu.Unlock()

	if ok {
		live.close()
	}
	if r.deps.History != nil {
		if err := r.deps.History.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove snapshot %s: %w", id, err)
		}
	}
	if !ok && r.deps.History == nil {
		return ErrNotFound
	}
	return nil
}

// Close detaches every live session, keeping their snapshots.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, live := range r.live {
		live.close()
		delete(r.live, id)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) build(newOrchestrator func(conversation.Dependencies, conversation.Listener) (*conversation.Orchestrator, error)) (*Live, error) {
	hub := NewHub("")
	deps := r.deps
	deps.Playback = nil

	var orch *conversation.Orchestrator
	var scheduler *playback.Scheduler
	if r.resolver != nil {
		scheduler = playback.NewScheduler(r.resolver, &browserPlayer{hub: hub}, func(evt playback.Event) {
			if orch != nil {
				orch.HandlePlayback(evt)
			}
		})
		deps.Playback = scheduler
	}

	orch, err := newOrchestrator(deps, hub.Publish)
	if err != nil {
		if scheduler != nil {
			scheduler.Close()
		}
		return nil, err
	}
	hub.id = orch.ID()
	return &Live{Orchestrator: orch, hub: hub, scheduler: scheduler}, nil
}

func (r *Registry) baseConfig(personas []persona.Persona, policy playback.Policy) conversation.Config {
	return conversation.Config{
		Personas:    personas,
		Playback:    policy,
		Voice:       r.defaults.Voice,
		SettleDelay: r.defaults.SettleDelay,
		Retry:       r.defaults.Retry,
	}
}

func (r *Registry) lookupPersonas(ids []string) ([]persona.Persona, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no persona given", conversation.ErrInvalidConfig)
	}
	return persona.Resolve(r.personas, ids)
}

func (r *Registry) playbackPolicy(req *PlaybackRequest) (playback.Policy, error) {
	if req == nil {
		return r.defaults.Playback, nil
	}
	mode, err := playback.ParseMode(req.Mode)
	if err != nil {
		return playback.Policy{}, err
	}
	policy := playback.Policy{Mode: mode}
	if mode == playback.ModeDelayed {
		policy.Delay = time.Duration(req.DelayMs) * time.Millisecond
		if policy.Delay <= 0 {
			policy.Delay = r.defaults.Playback.Delay
		}
	}
	return policy, nil
}
