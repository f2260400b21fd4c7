// Package playback schedules synthesized clips onto a single exclusive player.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// ErrPlaybackFailure 播放失败，不影响会话。
var ErrPlaybackFailure = errors.New("playback failure")

// Mode 决定合成完成后何时播放。
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeDelayed   Mode = "delayed"
	ModeOnClick   Mode = "on_click"
)

// Policy pairs a mode with its delay (only used by ModeDelayed).
type Policy struct {
	Mode  Mode          `json:"mode"`
	Delay time.Duration `json:"delay,omitempty"`
}

// ParseMode 解析配置或请求中的模式字符串。
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "immediate", "auto":
		return ModeImmediate, nil
	case "delayed", "delay":
		return ModeDelayed, nil
	case "on_click", "onclick", "click", "manual":
		return ModeOnClick, nil
	default:
		return "", fmt.Errorf("unknown playback mode %q", raw)
	}
}

// Clip is a resolved, playable audio reference.
type Clip struct {
	Ref string `json:"ref"`
	URL string `json:"url"`
}

// Resolver waits until the audio behind ref is available.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Clip, error)
}

// Player owns the output device. Play and Stop run under the scheduler
// lock and must not call back into the scheduler.
type Player interface {
	Play(clip Clip) error
	Stop()
}

// EventKind 调度器对外通知的类型。
type EventKind string

const (
	EventArmed   EventKind = "armed"
	EventStarted EventKind = "started"
	EventStopped EventKind = "stopped"
	EventFailed  EventKind = "failed"
)

// Event reports scheduler activity.
type Event struct {
	Kind EventKind `json:"kind"`
	Ref  string    `json:"ref,omitempty"`
	URL  string    `json:"url,omitempty"`
	Err  error     `json:"-"`
}

type pending struct {
	ref   string
	timer *time.Timer
}

// Scheduler plays at most one clip at a time. Every Schedule, Trigger or
// Stop bumps a generation counter; work started for an older generation
// is dropped when it re-enters.
type Scheduler struct {
	resolver Resolver
	player   Player
	onEvent  func(Event)

	mu      sync.Mutex
	gen     uint64
	pending *pending
	current string
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. onEvent may be nil.
func NewScheduler(resolver Resolver, player Player, onEvent func(Event)) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		resolver: resolver,
		player:   player,
		onEvent:  onEvent,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Schedule supersedes any pending clip and applies policy to ref.
func (s *Scheduler) Schedule(ref string, policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ref == "" {
		return
	}

	s.gen++
	s.clearPendingLocked()
	gen := s.gen

	switch policy.Mode {
	case ModeDelayed:
		p := &pending{ref: ref}
		p.timer = time.AfterFunc(policy.Delay, func() { s.fire(gen, ref) })
		s.pending = p
	case ModeOnClick:
		s.pending = &pending{ref: ref}
		s.emit(Event{Kind: EventArmed, Ref: ref})
	default:
		go s.start(gen, ref)
	}
}

// Trigger plays ref now, as a user click does. A click on the pending clip
// cancels its timer so the clip plays only once.
func (s *Scheduler) Trigger(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || ref == "" {
		return
	}

	s.gen++
	s.clearPendingLocked()
	go s.start(s.gen, ref)
}

// Stop halts the current clip and drops anything pending.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close stops playback permanently.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked()
	s.closed = true
	s.cancel()
}

// Current 返回正在播放的引用。
func (s *Scheduler) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) stopLocked() {
	s.gen++
	s.clearPendingLocked()
	if s.current != "" {
		ref := s.current
		s.current = ""
		s.player.Stop()
		s.emit(Event{Kind: EventStopped, Ref: ref})
	}
}

func (s *Scheduler) clearPendingLocked() {
	if s.pending == nil {
		return
	}
	if s.pending.timer != nil {
		s.pending.timer.Stop()
	}
	s.pending = nil
}

func (s *Scheduler) fire(gen uint64, ref string) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.pending == nil || s.pending.ref != ref {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	s.start(gen, ref)
}

func (s *Scheduler) start(gen uint64, ref string) {
	clip, err := s.resolver.Resolve(s.ctx, ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}

	if err != nil {
		s.fail(ref, fmt.Errorf("%w: resolve %s: %v", ErrPlaybackFailure, ref, err))
		return
	}

	if s.current != "" {
		s.player.Stop()
		s.emit(Event{Kind: EventStopped, Ref: s.current})
		s.current = ""
	}

	if err := s.player.Play(clip); err != nil {
		s.fail(ref, fmt.Errorf("%w: play %s: %v", ErrPlaybackFailure, ref, err))
		return
	}
	s.current = ref
	s.emit(Event{Kind: EventStarted, Ref: ref, URL: clip.URL})
}

func (s *Scheduler) fail(ref string, err error) {
	log.Printf("[playback] %v", err)
	s.emit(Event{Kind: EventFailed, Ref: ref, Err: err})
}

func (s *Scheduler) emit(evt Event) {
	if s.onEvent != nil {
		s.onEvent(evt)
	}
}
