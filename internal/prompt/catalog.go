// Package prompt resolves reasoning modes and renders their templates.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed modes.yaml
var defaultCatalog []byte

// ToolInfo describes a tool for the thinking prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// ThinkingData fills the thinking template slots.
type ThinkingData struct {
	ChatHistory     string
	ThoughtsHistory string
	Query           string
	Tools           []ToolInfo
}

// SynthesisData fills the synthesis template slots.
type SynthesisData struct {
	CustomInstructions string
	ChatHistory        string
	ThoughtsHistory    string
	Query              string
	Language           string
}

type catalogFile struct {
	DefaultMode string     `yaml:"default_mode"`
	Thinking    string     `yaml:"thinking"`
	Synthesis   string     `yaml:"synthesis"`
	Modes       []modeFile `yaml:"modes"`
}

type modeFile struct {
	Name              string   `yaml:"name"`
	Aliases           []string `yaml:"aliases"`
	ThinkingPreamble  string   `yaml:"thinking_preamble"`
	SynthesisPreamble string   `yaml:"synthesis_preamble"`
}

// Mode is a named pair of thinking and synthesis templates.
type Mode struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	thinking  *template.Template
	synthesis *template.Template
}

// RenderThinking renders the thinking system instruction.
func (m *Mode) RenderThinking(d ThinkingData) (string, error) {
	var sb strings.Builder
	if err := m.thinking.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render thinking template %s: %w", m.Name, err)
	}
	return sb.String(), nil
}

// RenderSynthesis renders the synthesis system instruction.
func (m *Mode) RenderSynthesis(d SynthesisData) (string, error) {
	var sb strings.Builder
	if err := m.synthesis.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render synthesis template %s: %w", m.Name, err)
	}
	return sb.String(), nil
}

// Catalog is the immutable set of modes known to the service.
type Catalog struct {
	modes    []*Mode
	index    map[string]*Mode
	fallback *Mode
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in mode catalog: %v", err))
	}
	return c
}

// Load reads a catalog from path. An empty path yields the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read modes %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse modes: %w", err)
	}
	if len(f.Modes) == 0 {
		return nil, fmt.Errorf("parse modes: no modes defined")
	}

	c := &Catalog{index: make(map[string]*Mode)}
	for _, mf := range f.Modes {
		name := normalize(mf.Name)
		if name == "" {
			return nil, fmt.Errorf("parse modes: mode without name")
		}
		thinking, err := template.New(name + ".thinking").Funcs(funcs).Parse(mf.ThinkingPreamble + f.Thinking)
		if err != nil {
			return nil, fmt.Errorf("parse thinking template %s: %w", name, err)
		}
		synthesis, err := template.New(name + ".synthesis").Funcs(funcs).Parse(mf.SynthesisPreamble + f.Synthesis)
		if err != nil {
			return nil, fmt.Errorf("parse synthesis template %s: %w", name, err)
		}
		m := &Mode{Name: name, Aliases: mf.Aliases, thinking: thinking, synthesis: synthesis}
		for _, key := range append([]string{name}, mf.Aliases...) {
			key = normalize(key)
			if _, dup := c.index[key]; dup {
				return nil, fmt.Errorf("parse modes: duplicate mode name %q", key)
			}
			c.index[key] = m
		}
		c.modes = append(c.modes, m)
	}

	fallback := normalize(f.DefaultMode)
	if fallback == "" {
		c.fallback = c.modes[0]
	} else if m, ok := c.index[fallback]; ok {
		c.fallback = m
	} else {
		return nil, fmt.Errorf("parse modes: default mode %q is not defined", f.DefaultMode)
	}
	return c, nil
}

// Resolve maps a requested mode name to a Mode. Matching ignores case and
// surrounding whitespace; unknown or empty names resolve to the default.
func (c *Catalog) Resolve(name string) *Mode {
	if m, ok := c.index[normalize(name)]; ok {
		return m
	}
	return c.fallback
}

// Modes lists the catalog's modes in declaration order.
func (c *Catalog) Modes() []*Mode {
	out := make([]*Mode, len(c.modes))
	copy(out, c.modes)
	return out
}

// DefaultMode returns the fallback mode.
func (c *Catalog) DefaultMode() *Mode { return c.fallback }

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
