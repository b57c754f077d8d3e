package saga

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/sagacore/pkg/schema"
)

// ReservedPrefix marks saga context keys owned by the engine. Step names
// may not use it, since step outputs are stored under the step name.
const ReservedPrefix = "_"

// ApprovalsKey is the saga context key holding approval decisions per
// step name.
const ApprovalsKey = ReservedPrefix + "approvals"

// Definition is a named, ordered list of steps started by one event type.
// Definitions are code, rebuilt identically on every start; recovery relies
// on step indexes meaning the same thing across restarts.
type Definition struct {
	Name         string
	TriggerEvent string
	Description  string
	Steps        []Step
	// When is an optional expr condition over {context, event}; the saga
	// starts only if it evaluates to true.
	When string
	// PayloadSchema optionally constrains the trigger event payload.
	PayloadSchema json.RawMessage
}

// StepIndex returns the position of the named step, or -1.
func (d *Definition) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

// StepNames lists step names in order.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name()
	}
	return names
}

// Validate checks the structural rules every definition must satisfy.
func (d *Definition) Validate() error {
	var r schema.Report
	if d.Name == "" {
		r.Errorf("name", "is required")
	}
	if d.TriggerEvent == "" {
		r.Errorf("trigger_event", "is required")
	}
	if len(d.Steps) == 0 {
		r.Errorf("steps", "at least one step is required")
	}
	seen := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s == nil {
			r.Errorf(path, "step is nil")
			continue
		}
		name := s.Name()
		switch {
		case name == "":
			r.Errorf(path+".name", "is required")
		case strings.HasSuffix(name, schema.CompensateSuffix):
			r.Errorf(path+".name", "must not end in %q", schema.CompensateSuffix)
		case strings.HasPrefix(name, ReservedPrefix):
			r.Errorf(path+".name", "must not start with %q", ReservedPrefix)
		}
		if prev, dup := seen[name]; dup && name != "" {
			r.Errorf(path+".name", "duplicates steps[%d]", prev)
		}
		seen[name] = i
	}
	return r.Err()
}

// Info is a registry listing entry.
type Info struct {
	Name         string   `json:"name"`
	TriggerEvent string   `json:"trigger_event"`
	Description  string   `json:"description,omitempty"`
	Steps        []string `json:"steps"`
}

// Registry maps saga names to definitions. Construct one at startup and pass
// it to the orchestrator and the recovery sweeper.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	trigger map[string][]string // event type -> saga names
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		trigger: make(map[string][]string),
	}
}

// Register adds a definition. Names are unique.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "saga %q already registered", def.Name)
	}
	cp := def
	cp.Steps = append([]Step(nil), def.Steps...)
	r.defs[def.Name] = &cp

	names := append(r.trigger[def.TriggerEvent], def.Name)
	sort.Strings(names)
	r.trigger[def.TriggerEvent] = names
	return nil
}

// RegisterSteps is shorthand for Register with just a trigger and steps.
func (r *Registry) RegisterSteps(name, triggerEvent string, steps ...Step) error {
	return r.Register(Definition{Name: name, TriggerEvent: triggerEvent, Steps: steps})
}

// Get returns the named definition.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "saga %q not registered", name)
	}
	return def, nil
}

// ByTrigger returns the definitions started by eventType, sorted by name.
func (r *Registry) ByTrigger(eventType string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.trigger[eventType]
	out := make([]*Definition, 0, len(names))
	for _, n := range names {
		out = append(out, r.defs[n])
	}
	return out
}

// TriggerTypes returns every event type some saga listens to, sorted.
func (r *Registry) TriggerTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.trigger))
	for t := range r.trigger {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns every definition, sorted by name.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns listing info for every definition, sorted by name.
func (r *Registry) List() []Info {
	defs := r.All()
	infos := make([]Info, len(defs))
	for i, d := range defs {
		infos[i] = Info{Name: d.Name, TriggerEvent: d.TriggerEvent, Description: d.Description, Steps: d.StepNames()}
	}
	return infos
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
