package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the on-disk catalog definition loaded at deploy time
type Seed struct {
	Modules []Module `yaml:"modules"`
}

// LoadSeed reads and validates a YAML seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	modules := make(map[int64]bool)
	submodules := make(map[int64]bool)
	for i := range seed.Modules {
		m := &seed.Modules[i]
		if m.ID <= 0 || strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("module at index %d needs a positive id and a name", i)
		}
		if modules[m.ID] {
			return nil, fmt.Errorf("duplicate module id %d", m.ID)
		}
		modules[m.ID] = true
		if err := validateActions(m.ActiveActions); err != nil {
			return nil, fmt.Errorf("module %d: %w", m.ID, err)
		}

		for j := range m.Submodules {
			sm := &m.Submodules[j]
			if sm.ID <= 0 || strings.TrimSpace(sm.Name) == "" {
				return nil, fmt.Errorf("module %d: submodule at index %d needs a positive id and a name", m.ID, j)
			}
			if submodules[sm.ID] {
				return nil, fmt.Errorf("duplicate submodule id %d", sm.ID)
			}
			submodules[sm.ID] = true
			if err := validateActions(sm.ActiveActions); err != nil {
				return nil, fmt.Errorf("submodule %d: %w", sm.ID, err)
			}
			sm.ModuleID = m.ID
		}
	}
	return &seed, nil
}

func validateActions(actions []Action) error {
	seen := make(map[Action]bool)
	for _, a := range actions {
		if a == "" || strings.ContainsAny(string(a), " \t\n") {
			return fmt.Errorf("invalid action name %q", a)
		}
		if seen[a] {
			return fmt.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	return nil
}
