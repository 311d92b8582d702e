// Package agentdef parses agent definition files: small YAML documents
// describing a reusable agent that is seeded into the registry at boot.
package agentdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/meshwork/internal/domain"
)

// ScheduleDef mirrors domain.Schedule in YAML form.
type ScheduleDef struct {
	Interval string `yaml:"interval,omitempty"`
	Cron     string `yaml:"cron,omitempty"`
	Prompt   string `yaml:"prompt,omitempty"`
}

// Definition is one agent definition file.
type Definition struct {
	Name     string       `yaml:"name"`
	Model    string       `yaml:"model,omitempty"`
	Backend  string       `yaml:"backend,omitempty"`
	Prompt   string       `yaml:"prompt,omitempty"`
	Soul     string       `yaml:"soul,omitempty"` // persona text carried into the agent's config
	Schedule *ScheduleDef `yaml:"schedule,omitempty"`
}

// Parse decodes a definition and validates its name.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse agent definition: %w", err)
	}
	if err := domain.ValidateName("agent", def.Name); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Serialize encodes a definition back to YAML. Serialize(Parse(x)) and
// Parse(Serialize(d)) are stable round trips.
func Serialize(def Definition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("serialize agent definition: %w", err)
	}
	return data, nil
}

// LoadDir parses every .yaml/.yml file in dir, sorted by filename. A missing
// directory yields an empty list.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent definitions %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read agent definition %s: %w", name, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Agent converts the definition into a registry row scoped to the global
// workflow. The soul text travels in the agent's opaque config.
func (def Definition) Agent() (domain.Agent, error) {
	agent := domain.Agent{
		Name:     def.Name,
		Workflow: domain.GlobalWorkflow,
		Tag:      domain.GlobalTag,
		Model:    def.Model,
		Backend:  def.Backend,
		Prompt:   def.Prompt,
	}
	if agent.Backend == "" {
		agent.Backend = domain.BackendDefault
	}
	if def.Schedule != nil {
		agent.Schedule = &domain.Schedule{
			Interval: def.Schedule.Interval,
			Cron:     def.Schedule.Cron,
			Prompt:   def.Schedule.Prompt,
		}
	}
	if def.Soul != "" {
		config, err := json.Marshal(map[string]string{"soul": def.Soul})
		if err != nil {
			return domain.Agent{}, fmt.Errorf("encode agent config: %w", err)
		}
		agent.Config = string(config)
	}
	return agent, nil
}

// Registry is the slice of the store Seed needs.
type Registry interface {
	CreateAgent(a domain.Agent) (domain.Agent, error)
}

// Seed registers every definition from dir into the global workflow.
// Duplicates are skipped so seeding is idempotent across restarts. Returns
// the number of agents newly created.
func Seed(dir string, registry Registry, logger *log.Logger) (int, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, def := range defs {
		agent, err := def.Agent()
		if err != nil {
			return created, err
		}
		if _, err := registry.CreateAgent(agent); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			return created, err
		}
		logger.Printf("Seeded agent %s from definitions", agent.Name)
		created++
	}
	return created, nil
}
