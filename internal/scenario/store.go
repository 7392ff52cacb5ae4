// Package scenario provides the keyed persona store that selects the system
// prompt for a call.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Lookup when no scenario has the requested id.
var ErrNotFound = errors.New("scenario not found")

// Scenario is a named persona goal. Immutable once loaded.
type Scenario struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// Store is an ordered, read-only set of scenarios plus the persona template
// they render into. A nil *Store is usable and yields GenericPrompt.
type Store struct {
	scenarios []Scenario
	tmpl      *template.Template
}

// New creates a Store from scenarios in lookup order. The first entry is the
// fallback for unknown ids, so at least one scenario is required.
func New(scenarios []Scenario) (*Store, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("scenario store is empty")
	}
	for i, sc := range scenarios {
		if sc.ID == "" {
			return nil, fmt.Errorf("scenario %d has no id", i)
		}
	}
	tmpl, err := parseTemplate(DefaultPersona)
	if err != nil {
		return nil, err
	}
	return &Store{
		scenarios: append([]Scenario(nil), scenarios...),
		tmpl:      tmpl,
	}, nil
}

// LoadFile reads scenarios from a JSON array or a YAML list, chosen by the
// file extension.
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}

	var scenarios []Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &scenarios); err != nil {
			return nil, fmt.Errorf("parse scenarios yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &scenarios); err != nil {
			return nil, fmt.Errorf("parse scenarios json: %w", err)
		}
	}
	return New(scenarios)
}

// SetTemplate replaces the persona template.
func (s *Store) SetTemplate(text string) error {
	tmpl, err := parseTemplate(text)
	if err != nil {
		return err
	}
	s.tmpl = tmpl
	return nil
}

// SetTemplateFile replaces the persona template with the contents of path.
func (s *Store) SetTemplateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona template: %w", err)
	}
	return s.SetTemplate(string(data))
}

func parseTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("persona").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse persona template: %w", err)
	}
	return tmpl, nil
}

// List returns all scenarios in file order.
func (s *Store) List() []Scenario {
	if s == nil {
		return nil
	}
	return append([]Scenario(nil), s.scenarios...)
}

// Lookup returns the scenario whose id exactly equals id.
func (s *Store) Lookup(id string) (Scenario, error) {
	if s != nil {
		for _, sc := range s.scenarios {
			if sc.ID == id {
				return sc, nil
			}
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Load returns the scenario for id, falling back to the first stored
// scenario when id is unknown. It never fails on a non-nil store.
func (s *Store) Load(id string) Scenario {
	sc, err := s.Lookup(id)
	if err == nil {
		return sc
	}
	if s == nil {
		return Scenario{ID: id}
	}
	fallback := s.scenarios[0]
	slog.Debug("scenario not found, using first entry", "requested", id, "fallback", fallback.ID)
	return fallback
}

// Render renders sc into the persona template.
func (s *Store) Render(sc Scenario) (string, error) {
	if s == nil || s.tmpl == nil {
		return "", fmt.Errorf("no persona template")
	}
	var b strings.Builder
	if err := s.tmpl.Execute(&b, PromptData{
		ScenarioID: sc.ID,
		Name:       sc.Name,
		Goal:       sc.Prompt,
	}); err != nil {
		return "", fmt.Errorf("render persona %s: %w", sc.ID, err)
	}
	return b.String(), nil
}

// SystemPrompt resolves id and renders the system instruction for it. Any
// failure degrades to GenericPrompt so that session setup never fails here.
func (s *Store) SystemPrompt(id string) (Scenario, string) {
	sc := s.Load(id)
	if s == nil {
		return sc, GenericPrompt
	}
	prompt, err := s.Render(sc)
	if err != nil {
		slog.Warn("persona render failed, using generic prompt", "scenario", sc.ID, "error", err)
		return sc, GenericPrompt
	}
	return sc, prompt
}
