// Package workflow executes multi-step templates: dependency-ordered
// dispatch to agents, human gates, alert steps, and critic chain
// validation with bounded retries.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Step actions.
const (
	ActionDispatch = "dispatch"
	ActionGate     = "gate"
	ActionAlert    = "alert"
)

// Step statuses tracked per workflow instance.
const (
	StepPending     = "pending"
	StepInProgress  = "in_progress"
	StepCompleted   = "completed"
	StepFailed      = "failed"
	StepSkipped     = "skipped"
	StepWaitingGate = "waiting_gate"
)

// The intake step is pre-completed: it represents the preflight that
// already happened before the workflow started.
const intakeStepName = "intake"

type Step struct {
	Step        int      `yaml:"step" json:"step"`
	Name        string   `yaml:"name" json:"name"`
	Action      string   `yaml:"action" json:"action"`
	Agent       string   `yaml:"agent" json:"agent"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	CriticChain string   `yaml:"critic_chain,omitempty" json:"critic_chain,omitempty"`
	CanVeto     bool     `yaml:"can_veto,omitempty" json:"can_veto,omitempty"`
	Gate        string   `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateAction  string   `yaml:"gate_action,omitempty" json:"gate_action,omitempty"`
	Optional    bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
}

type Template struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

const templateSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "action"],
				"properties": {
					"step": {"type": "integer"},
					"name": {"type": "string", "minLength": 1},
					"action": {"enum": ["dispatch", "gate", "alert"]},
					"agent": {"type": "string"},
					"description": {"type": "string"},
					"depends_on": {"type": "array", "items": {"type": "string"}},
					"critic_chain": {"type": "string"},
					"can_veto": {"type": "boolean"},
					"gate": {"type": "string"},
					"gate_action": {"type": "string"},
					"optional": {"type": "boolean"}
				}
			}
		}
	}
}`

// Registry loads and validates workflow templates from a directory.
// Reload is safe at runtime; the config watcher calls it on file change.
type Registry struct {
	dir    string
	schema *jsonschema.Schema

	mu        sync.RWMutex
	templates map[string]Template
}

func NewRegistry(dir string) (*Registry, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchema))
	if err != nil {
		return nil, fmt.Errorf("parse template schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workflow-template.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema: %w", err)
	}
	schema, err := compiler.Compile("workflow-template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}
	r := &Registry{
		dir:       dir,
		schema:    schema,
		templates: map[string]Template{},
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every template file in the directory. Templates are
// keyed by file basename without extension. A missing directory yields an
// empty registry, not an error.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}

	loaded := map[string]Template{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		tpl, err := loadTemplateFile(path, r.schema)
		if err != nil {
			return fmt.Errorf("load template %s: %w", entry.Name(), err)
		}
		key := strings.TrimSuffix(entry.Name(), ext)
		loaded[key] = tpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	return nil
}

func loadTemplateFile(path string, schema *jsonschema.Schema) (Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, err
	}

	// Validate the generic document against the schema first, then decode
	// into the typed template. YAML is a superset of the JSON documents the
	// original config shipped, so one decoder covers both.
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Template{}, fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(normalizeForSchema(generic)); err != nil {
		return Template{}, fmt.Errorf("validate: %w", err)
	}

	var tpl Template
	if err := yaml.Unmarshal(raw, &tpl); err != nil {
		return Template{}, fmt.Errorf("decode: %w", err)
	}
	if err := checkStepGraph(tpl); err != nil {
		return Template{}, err
	}
	return tpl, nil
}

// normalizeForSchema converts YAML-decoded values into the shapes the
// jsonschema validator expects (string-keyed maps all the way down).
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	default:
		return v
	}
}

// checkStepGraph rejects templates whose dependencies reference unknown
// steps or whose step names collide.
func checkStepGraph(tpl Template) error {
	names := map[string]struct{}{}
	for _, s := range tpl.Steps {
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}
	for _, s := range tpl.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, dep)
			}
		}
		if s.Action == ActionDispatch && s.Agent == "" {
			return fmt.Errorf("dispatch step %q has no agent", s.Name)
		}
	}
	return nil
}

// Get returns a template by name.
func (r *Registry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[name]
	return tpl, ok
}

// Names lists the loaded template names sorted lexically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
