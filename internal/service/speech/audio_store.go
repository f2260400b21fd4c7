package speech

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/playback"
)

// ErrAudioNotFound 引用不存在或已过期。
var ErrAudioNotFound = errors.New("audio not found")

type audioEntry struct {
	done      chan struct{}
	resp      *speech.TTSResponse
	err       error
	createdAt time.Time
}

// AudioStore keeps synthesized clips in memory under opaque references.
// A reference exists as soon as synthesis starts; readers wait for it.
type AudioStore struct {
	mu         sync.Mutex
	entries    map[string]*audioEntry
	maxEntries int
	urlPrefix  string
}

// NewAudioStore creates a store holding at most maxEntries clips.
func NewAudioStore(maxEntries int, urlPrefix string) *AudioStore {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if urlPrefix == "" {
		urlPrefix = "/api/audio/"
	}
	return &AudioStore{
		entries:    make(map[string]*audioEntry),
		maxEntries: maxEntries,
		urlPrefix:  urlPrefix,
	}
}

// Begin reserves a reference for a clip that is being synthesized.
func (s *AudioStore) Begin() string {
	ref := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = &audioEntry{done: make(chan struct{}), createdAt: time.Now()}
	s.evictLocked()
	return ref
}

// Complete records the synthesis outcome for ref.
func (s *AudioStore) Complete(ref string, resp *speech.TTSResponse, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ref]
	if !ok {
		return
	}
	select {
	case <-entry.done:
		return
	default:
	}
	entry.resp = resp
	entry.err = err
	close(entry.done)
}

// Await blocks until ref is complete or ctx ends.
func (s *AudioStore) Await(ctx context.Context, ref string) (*speech.TTSResponse, error) {
	s.mu.Lock()
	entry, ok := s.entries[ref]
	s.mu.Unlock()
	if !ok {
		return nil, ErrAudioNotFound
	}

	select {
	case <-entry.done:
		return entry.resp, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve implements playback.Resolver.
func (s *AudioStore) Resolve(ctx context.Context, ref string) (playback.Clip, error) {
	if _, err := s.Await(ctx, ref); err != nil {
		return playback.Clip{}, fmt.Errorf("audio %s unavailable: %w", ref, err)
	}
	return playback.Clip{Ref: ref, URL: s.URL(ref)}, nil
}

// URL 返回引用对应的下载地址。
func (s *AudioStore) URL(ref string) string {
	return s.urlPrefix + ref
}

// Len 返回当前缓存的条目数。
func (s *AudioStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked drops the oldest finished entries once over capacity.
// Entries still being synthesized are never evicted.
func (s *AudioStore) evictLocked() {
	if len(s.entries) <= s.maxEntries {
		return
	}

	type aged struct {
		ref string
		at  time.Time
	}
	var finished []aged
	for ref, e := range s.entries {
		select {
		case <-e.done:
			finished = append(finished, aged{ref, e.createdAt})
		default:
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })

	for _, a := range finished {
		if len(s.entries) <= s.maxEntries {
			break
		}
		delete(s.entries, a.ref)
	}
}
