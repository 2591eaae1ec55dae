// Package capabilities holds the closed registry of named operations the
// conversational service may invoke, each bound to an identity at call time.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voiceinbox/voiceinbox/pkg/core"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/ratelimit"
)

// DefaultResultBudget bounds a serialized capability result unless the entry
// declares its own budget.
const DefaultResultBudget = 4000

// Definition describes a capability to both the registry and the upstream
// function-declaration list.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema document; it is compiled for argument
	// validation and re-emitted verbatim in the upstream session config.
	Parameters json.RawMessage
	// Category selects the rate-limit class charged per invocation.
	Category ratelimit.Category
	// ResultBudget is the byte bound applied to the serialized result.
	// Zero means DefaultResultBudget.
	ResultBudget int
}

// Executor is one capability implementation.
type Executor interface {
	Definition() Definition
	Execute(ctx context.Context, identity string, args map[string]any) (any, error)
}

type entry struct {
	exec   Executor
	def    Definition
	schema *jsonschema.Schema
}

// Registry maps capability names to implementations. It is built once at
// startup; lookups at call time are read-only.
type Registry struct {
	byName        map[string]*entry
	defaultBudget int
}

func NewRegistry(executors ...Executor) (*Registry, error) {
	return NewRegistryWithBudget(DefaultResultBudget, executors...)
}

// NewRegistryWithBudget builds a registry whose entries without a declared
// result budget inherit defaultBudget.
func NewRegistryWithBudget(defaultBudget int, executors ...Executor) (*Registry, error) {
	if defaultBudget <= 0 {
		defaultBudget = DefaultResultBudget
	}
	r := &Registry{
		byName:        make(map[string]*entry, len(executors)),
		defaultBudget: defaultBudget,
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		def := ex.Definition()
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("capability with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", name)
		}
		if def.ResultBudget <= 0 {
			def.ResultBudget = defaultBudget
		}
		schema, err := jsonschema.CompileString(name+".json", string(def.Parameters))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", name, err)
		}
		r.byName[name] = &entry{exec: ex, def: def, schema: schema}
	}
	return r, nil
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Budget returns the declared result byte budget for a capability, or the
// registry default when the name is unknown.
func (r *Registry) Budget(name string) int {
	if r == nil {
		return DefaultResultBudget
	}
	if e, ok := r.byName[strings.TrimSpace(name)]; ok {
		return e.def.ResultBudget
	}
	return r.defaultBudget
}

// Category returns the rate-limit category charged for a capability.
func (r *Registry) Category(name string) (ratelimit.Category, bool) {
	if r == nil {
		return 0, false
	}
	e, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return 0, false
	}
	return e.def.Category, true
}

// FunctionDeclaration is a capability rendered in the upstream provider's
// function schema.
type FunctionDeclaration struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Declarations renders the full registry for the upstream session config,
// sorted by name for a stable wire shape.
func (r *Registry) Declarations() []FunctionDeclaration {
	if r == nil {
		return nil
	}
	out := make([]FunctionDeclaration, 0, len(r.byName))
	for _, name := range r.Names() {
		e := r.byName[name]
		out = append(out, FunctionDeclaration{
			Type:        "function",
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  e.def.Parameters,
		})
	}
	return out
}

// Execute validates args against the capability's schema and invokes it.
// Unknown names and invalid args return typed faults, never panics.
func (r *Registry) Execute(ctx context.Context, name, identity string, args map[string]any) (any, error) {
	if r == nil {
		return nil, core.Faultf(core.CodeUnknownFunction, "capability registry is not configured")
	}
	e, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, core.Faultf(core.CodeUnknownFunction, "unknown capability %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	// The schema wants plain decoded JSON; args already are.
	if err := e.schema.Validate(map[string]any(args)); err != nil {
		return nil, core.Faultf(core.CodeBadArgs, "invalid arguments for %q: %v", name, err)
	}
	return e.exec.Execute(ctx, identity, args)
}
