package persona

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig 描述远端角色库连接参数。
type SupabaseConfig struct {
	URL      string
	APIKey   string
	Table    string
	CacheTTL time.Duration // Default: 5 minutes
}

// characterRow mirrors a row of the characters table.
type characterRow struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Tone        string   `json:"tone"`
	PromptHint  string   `json:"prompt_hint"`
	OpeningLine string   `json:"opening_line"`
	VoiceID     string   `json:"voice_id"`
	Description string   `json:"description"`
	Background  string   `json:"background"`
	Traits      []string `json:"traits"`
	Expertise   []string `json:"expertise"`
}

func (r characterRow) toPersona() Persona {
	return Persona{
		ID:          r.ID,
		Name:        r.Name,
		Title:       r.Title,
		Tone:        r.Tone,
		PromptHint:  r.PromptHint,
		OpeningLine: r.OpeningLine,
		VoiceID:     r.VoiceID,
		Description: r.Description,
		Background:  r.Background,
		Traits:      r.Traits,
		Expertise:   r.Expertise,
	}
}

// SupabaseStore implements Store on top of a Supabase table with a TTL cache.
// Fetch failures keep serving the last good list.
type SupabaseStore struct {
	fetch    func() ([]characterRow, error)
	cacheTTL time.Duration

	mu        sync.RWMutex
	items     []Persona
	expiresAt time.Time
}

// NewSupabaseStore creates a character store backed by Supabase.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.Table == "" {
		cfg.Table = "characters"
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	fetch := func() ([]characterRow, error) {
		var rows []characterRow
		_, err := client.From(cfg.Table).
			Select("*", "", false).
			ExecuteTo(&rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list characters: %w", err)
		}
		return rows, nil
	}

	return newSupabaseStore(fetch, cfg.CacheTTL), nil
}

func newSupabaseStore(fetch func() ([]characterRow, error), ttl time.Duration) *SupabaseStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SupabaseStore{fetch: fetch, cacheTTL: ttl}
}

// List returns the cached characters, refreshing them when the cache expired.
func (s *SupabaseStore) List() []Persona {
	s.mu.RLock()
	if time.Now().Before(s.expiresAt) {
		items := append([]Persona(nil), s.items...)
		s.mu.RUnlock()
		return items
	}
	s.mu.RUnlock()

	rows, err := s.fetch()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Printf("[persona] supabase refresh failed, serving %d cached characters: %v", len(s.items), err)
		return append([]Persona(nil), s.items...)
	}

	items := make([]Persona, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" || row.Name == "" {
			continue
		}
		items = append(items, row.toPersona())
	}
	s.items = items
	s.expiresAt = time.Now().Add(s.cacheTTL)
	return append([]Persona(nil), items...)
}

// FindByID looks up a character by identifier.
func (s *SupabaseStore) FindByID(id string) (Persona, bool) {
	for _, item := range s.List() {
		if item.ID == id {
			return item, true
		}
	}
	return Persona{}, false
}
