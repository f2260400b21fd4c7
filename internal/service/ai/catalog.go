package ai

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendArk    = "ark"
	BackendOpenAI = "openai"
)

// ModelProfile 描述一个可选模型的能力约束。
type ModelProfile struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"displayName"`
	Backend     string `yaml:"backend" json:"backend"`
	Streaming   bool   `yaml:"streaming" json:"streaming"`
	// MaxTurns 为 0 表示不限回合。
	MaxTurns           int `yaml:"max_turns" json:"maxTurns"`
	HistoryTokenBudget int `yaml:"history_token_budget" json:"historyTokenBudget"`
}

// Constrained reports whether the model has a fixed turn cap.
func (p ModelProfile) Constrained() bool {
	return p.MaxTurns > 0
}

// Catalog is the set of models the service can route to.
type Catalog struct {
	Default string         `yaml:"default" json:"default"`
	Models  []ModelProfile `yaml:"models" json:"models"`
}

// DefaultCatalog 内置模型目录：一个受 token 限制的模型，两个不限回合的模型。
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Default: "doubao-seed-1-6-flash-250828",
		Models: []ModelProfile{
			{
				ID:                 "doubao-lite-4k-character-240828",
				DisplayName:        "豆包 Lite 4K",
				Backend:            BackendArk,
				Streaming:          true,
				MaxTurns:           20,
				HistoryTokenBudget: 2400,
			},
			{
				ID:          "doubao-seed-1-6-flash-250828",
				DisplayName: "豆包 Seed 1.6 Flash",
				Backend:     BackendArk,
				Streaming:   true,
			},
			{
				ID:          "gpt-4o-mini",
				DisplayName: "GPT-4o mini",
				Backend:     BackendOpenAI,
				Streaming:   false,
			},
		},
	}
	c.applyDefaults()
	return c
}

// LoadCatalog reads a YAML catalog file. An empty path yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog unmarshals YAML bytes into a validated Catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Lookup 按 ID 查找模型，空 ID 返回默认模型。
func (c *Catalog) Lookup(id string) (ModelProfile, bool) {
	if id == "" {
		id = c.Default
	}
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelProfile{}, false
}

func (c *Catalog) applyDefaults() {
	for i := range c.Models {
		m := &c.Models[i]
		m.Backend = strings.ToLower(strings.TrimSpace(m.Backend))
		if m.Backend == "" {
			m.Backend = BackendArk
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ID
		}
		if m.HistoryTokenBudget == 0 {
			m.HistoryTokenBudget = 16000
		}
	}
	if c.Default == "" && len(c.Models) > 0 {
		c.Default = c.Models[0].ID
	}
}

func (c *Catalog) validate() error {
	var errs []string
	if len(c.Models) == 0 {
		errs = append(errs, "at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("models[%d].id is required", i))
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("models[%d].id %q is duplicated", i, m.ID))
		}
		seen[m.ID] = true
		if m.Backend != BackendArk && m.Backend != BackendOpenAI {
			errs = append(errs, fmt.Sprintf("models[%d].backend %q is not supported", i, m.Backend))
		}
		if m.MaxTurns < 0 {
			errs = append(errs, fmt.Sprintf("models[%d].max_turns must not be negative", i))
		}
	}
	if c.Default != "" && !seen[c.Default] {
		errs = append(errs, fmt.Sprintf("default model %q is not listed", c.Default))
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
