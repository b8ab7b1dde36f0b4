package loom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Definition describes one executable tool: its identity, input contract,
// and whether external RPC clients may discover and call it. OutputSchema is
// informational only — outputs are never validated.
type Definition struct {
	Name                string         `json:"name"`
	Version             string         `json:"version"`
	Description         string         `json:"description"`
	Category            string         `json:"category"`
	ExternallyExposable bool           `json:"externally_exposable"`
	InputSchema         map[string]any `json:"input_schema"`
	OutputSchema        map[string]any `json:"output_schema,omitempty"`
}

// Registry is the single source of truth for executable step types. It is
// written only during startup (Load + Bind); thereafter it is read-only and
// safe for concurrent lookups.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	order    []string // definition order, for stable listings
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema // compiled lazily, cached
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Define registers a tool definition. Names are unique: redefining an
// existing name is an error so that every lookup returns the same definition
// for the lifetime of the process.
func (r *Registry) Define(def Definition) error {
	if def.Name == "" {
		return &ValidationError{Field: "definition.name", Message: "missing tool name"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return &ValidationError{Field: "definition.name", Message: fmt.Sprintf("tool %q already defined", def.Name)}
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Bind attaches a handler to a definition. A handler bound twice keeps the
// latest binding. A handler whose name has no definition is adopted under an
// "unversioned" definition with an empty schema, so automations referencing
// tools that predate the bundled definitions file keep running.
func (r *Registry) Bind(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; !exists {
		log.Printf("loom: registry: handler %q has no definition, adopting as unversioned", name)
		r.defs[name] = Definition{
			Name:        name,
			Version:     "unversioned",
			Category:    "uncategorized",
			InputSchema: map[string]any{"type": "object"},
		}
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Lookup returns the definition and handler for name. The handler is nil
// when the definition exists but nothing was bound; ok is false only when
// the name was never defined.
func (r *Registry) Lookup(name string) (Definition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, nil, false
	}
	return def, r.handlers[name], true
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// ListExposable returns the definitions visible to external RPC clients.
func (r *Registry) ListExposable() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		if def := r.defs[name]; def.ExternallyExposable {
			out = append(out, def)
		}
	}
	return out
}

// Load reads a definitions file (a JSON array of Definition) and registers
// every entry. Called once at process start with the bundled catalog.
func (r *Registry) Load(src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("registry: read definitions: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("registry: parse definitions: %w", err)
	}
	for _, def := range defs {
		if err := r.Define(def); err != nil {
			return fmt.Errorf("registry: %w", err)
		}
	}
	return nil
}

// LogUnbound emits a warning for every definition that finished the startup
// linking phase without a handler. Such tools stay listed (the catalog is
// still accurate) but any step invoking them fails.
func (r *Registry) LogUnbound() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if _, bound := r.handlers[name]; !bound {
			log.Printf("loom: registry: definition %q has no handler", name)
		}
	}
}

// ValidateParams checks a parameter map against the tool's input schema.
// Unknown tools and schema violations both return a *ValidationError.
// Parameters still carrying {{path}} references cannot be checked against
// type constraints, so callers validate either the raw map (control plane,
// where references are opaque strings) or the resolved map (RPC calls).
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{Field: "step.type", Message: fmt.Sprintf("unknown tool %q", name)}
	}
	if len(def.InputSchema) == 0 {
		return nil
	}
	sch, err := r.compiled(name, def)
	if err != nil {
		return &ValidationError{Field: "step.type", Message: fmt.Sprintf("tool %q has an invalid input schema: %v", name, err)}
	}
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so the instance matches what the validator
	// expects (json-decoded values, no host types).
	inst, err := roundTripJSON(params)
	if err != nil {
		return &ValidationError{Field: "step.params", Message: err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{Field: "step.params", Message: fmt.Sprintf("tool %q: %v", name, err)}
	}
	return nil
}

// compiled returns the cached compiled schema for name, compiling on first use.
func (r *Registry) compiled(name string, def Definition) (*jsonschema.Schema, error) {
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch != nil {
		return sch, nil
	}

	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "loom://schemas/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err = c.Compile(url)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemas[name] = sch
	r.mu.Unlock()
	return sch, nil
}

func roundTripJSON(v map[string]any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// Suggest returns the registered name closest to input by edit distance, or
// "" when nothing is within distance 3. Used to turn an unsupported-step
// failure into a "did you mean" message.
func (r *Registry) Suggest(input string) string {
	const threshold = 3
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestDist := "", threshold+1
	for _, name := range r.order {
		if d := editDistance(input, name); d < bestDist {
			best, bestDist = name, d
		}
	}
	return best
}

// RenderPrompt renders a human-readable enumeration of all tools and their
// parameters, grouped by category, for consumption by an AI planner.
func (r *Registry) RenderPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCategory := make(map[string][]Definition)
	var categories []string
	for _, name := range r.order {
		def := r.defs[name]
		if _, seen := byCategory[def.Category]; !seen {
			categories = append(categories, def.Category)
		}
		byCategory[def.Category] = append(byCategory[def.Category], def)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, cat := range categories {
		fmt.Fprintf(&b, "\n## %s\n", cat)
		for _, def := range byCategory[cat] {
			fmt.Fprintf(&b, "- %s (v%s): %s\n", def.Name, def.Version, def.Description)
			for _, line := range schemaParamLines(def.InputSchema) {
				b.WriteString("    " + line + "\n")
			}
		}
	}
	return b.String()
}

// schemaParamLines flattens a JSON-schema object's properties into
// "name (type, required): description" lines.
func schemaParamLines(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool)
	if req, ok := schema["required"].([]any); ok {
		for _, v := range req {
			if s, ok := v.(string); ok {
				required[s] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		tag := typ
		if tag == "" {
			tag = "any"
		}
		if required[name] {
			tag += ", required"
		}
		line := fmt.Sprintf("%s (%s)", name, tag)
		if desc != "" {
			line += ": " + desc
		}
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			parts := make([]string, len(enum))
			for i, e := range enum {
				parts[i] = fmt.Sprintf("%v", e)
			}
			line += " [one of: " + strings.Join(parts, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return lines
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
