package agentdef

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jaakkos/meshwork/internal/domain"
)

const sampleDef = `name: reviewer
model: gpt-large
backend: mock
prompt: Review incoming diffs carefully.
soul: Terse but kind.
schedule:
  interval: 5m
  prompt: Check for unreviewed diffs.
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(sampleDef))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "reviewer" || def.Model != "gpt-large" || def.Backend != "mock" {
		t.Errorf("parsed = %+v", def)
	}
	if def.Schedule == nil || def.Schedule.Interval != "5m" {
		t.Errorf("schedule = %+v, want interval 5m", def.Schedule)
	}
}

func TestParseRejectsBadName(t *testing.T) {
	if _, err := Parse([]byte("name: '9lives'")); err == nil {
		t.Error("name starting with a digit should fail")
	}
	if _, err := Parse([]byte("model: x")); err == nil {
		t.Error("missing name should fail")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	def, err := Parse([]byte(sampleDef))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := Serialize(def)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reflect.DeepEqual(def, again) {
		t.Errorf("round trip changed the definition:\n%+v\n%+v", def, again)
	}
}

func TestAgentConversion(t *testing.T) {
	def, _ := Parse([]byte(sampleDef))
	agent, err := def.Agent()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if agent.Workflow != "global" || agent.Tag != "main" {
		t.Errorf("scope = %s:%s, want global:main", agent.Workflow, agent.Tag)
	}
	if agent.Config != `{"soul":"Terse but kind."}` {
		t.Errorf("config = %q", agent.Config)
	}
	if agent.Schedule == nil || agent.Schedule.Prompt != "Check for unreviewed diffs." {
		t.Errorf("schedule = %+v", agent.Schedule)
	}

	plain, _ := Parse([]byte("name: plain"))
	agent, err = plain.Agent()
	if err != nil {
		t.Fatalf("convert plain: %v", err)
	}
	if agent.Backend != "default" || agent.Config != "" {
		t.Errorf("plain agent = backend %q config %q", agent.Backend, agent.Config)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeDef := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeDef("b.yaml", "name: bob")
	writeDef("a.yml", "name: alice")
	writeDef("notes.txt", "not a definition")

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "alice" || defs[1].Name != "bob" {
		t.Errorf("defs = %+v, want alice then bob", defs)
	}
}

func TestLoadDirMissing(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || defs != nil {
		t.Errorf("missing dir = (%v, %v), want empty and no error", defs, err)
	}
}

// fakeRegistry records created agents and rejects listed duplicates.
type fakeRegistry struct {
	created    []string
	duplicates map[string]bool
}

func (f *fakeRegistry) CreateAgent(a domain.Agent) (domain.Agent, error) {
	if f.duplicates[a.Name] {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", a.Name, domain.ErrDuplicate)
	}
	f.created = append(f.created, a.Name)
	return a, nil
}

func TestSeedSkipsDuplicates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alice", "bob"} {
		if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte("name: "+name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	registry := &fakeRegistry{duplicates: map[string]bool{"alice": true}}
	created, err := Seed(dir, registry, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if created != 1 || len(registry.created) != 1 || registry.created[0] != "bob" {
		t.Errorf("created = %d %v, want only bob", created, registry.created)
	}
}
