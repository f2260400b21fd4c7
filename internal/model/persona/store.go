package persona

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound 角色库中没有该角色。
var ErrNotFound = errors.New("persona not found")

// Store is the character library a session draws its cast from. The
// conversation core only reads from it; personas are copied into a session
// when it starts, so later edits never reach a running scene.
type Store interface {
	List() []Persona
	FindByID(id string) (Persona, bool)
}

// Resolve looks up the cast for a session, in speaking order.
func Resolve(store Store, ids []string) ([]Persona, error) {
	cast := make([]Persona, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		p, ok := store.FindByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		cast = append(cast, p)
	}
	return cast, nil
}

// MemoryStore 内置角色库，按加载顺序列出，按 ID 索引查找。
type MemoryStore struct {
	items []Persona
	index map[string]int
}

// NewMemoryStore keeps the first persona for a repeated ID and drops
// entries without an ID.
func NewMemoryStore(items []Persona) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(items))}
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := s.index[item.ID]; dup {
			continue
		}
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

func (s *MemoryStore) List() []Persona {
	return append([]Persona(nil), s.items...)
}

func (s *MemoryStore) FindByID(id string) (Persona, bool) {
	i, ok := s.index[id]
	if !ok {
		return Persona{}, false
	}
	return s.items[i], true
}
