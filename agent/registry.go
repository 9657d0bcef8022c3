package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"

	"github.com/downstreamhq/downstream/metrics"
)

// Registry holds skills by id and tracks which ones require
// authentication. It is populated once at startup and read-only
// thereafter, so lookups need no locking.
type Registry struct {
	skills    map[string]Skill
	protected map[string]bool
	schemas   map[string]*jsonschema.Schema
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		skills:    make(map[string]Skill),
		protected: make(map[string]bool),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register adds a skill. The skill is protected when registered as such
// or when it self-declares AuthRequired. The input schema is compiled
// here so malformed schemas fail at startup, not per-request.
func (r *Registry) Register(s Skill, protected bool) error {
	id := s.ID()
	if id == "" {
		return fmt.Errorf("skill id is required")
	}
	if _, ok := r.skills[id]; ok {
		return fmt.Errorf("skill %q already registered", id)
	}

	meta := s.Meta()
	if meta.InputSchema != nil {
		schema, err := compileSchema(id, meta.InputSchema)
		if err != nil {
			return fmt.Errorf("compile input schema for skill %q: %w", id, err)
		}
		r.schemas[id] = schema
	}

	r.skills[id] = s
	r.order = append(r.order, id)
	if protected || meta.AuthRequired {
		r.protected[id] = true
	}
	return nil
}

// Lookup returns the skill with the given id.
func (r *Registry) Lookup(id string) (Skill, bool) {
	s, ok := r.skills[id]
	return s, ok
}

// IsProtected reports whether invoking the skill requires a valid
// bearer token.
func (r *Registry) IsProtected(id string) bool {
	return r.protected[id]
}

// IDs returns all registered skill ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	sort.Strings(ids)
	return ids
}

// Execute dispatches to the skill with the given id. It validates the
// input against the skill's compiled schema, recovers panics, and maps
// Go errors into failure results, so callers always receive a result
// map with a "success" boolean.
func (r *Registry) Execute(ctx context.Context, id string, input map[string]any) (result map[string]any) {
	s, ok := r.skills[id]
	if !ok {
		return Fail("unknown skill: %s", id)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error(ctx, fmt.Errorf("panic: %v", rec), log.KV{K: "skill_id", V: id})
			result = Fail("internal error executing skill %s", id)
		}
		success, _ := result["success"].(bool)
		metrics.SkillInvocations.WithLabelValues(id, strconv.FormatBool(success)).Inc()
	}()

	if input == nil {
		input = map[string]any{}
	}
	if schema, ok := r.schemas[id]; ok {
		if err := schema.Validate(normalize(input)); err != nil {
			return Fail("invalid input for skill %s: %v", id, err)
		}
	}

	out, err := s.Execute(ctx, input)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "skill_id", V: id})
		return Fail("%v", err)
	}
	if out == nil {
		return Fail("skill %s returned no result", id)
	}
	return out
}

// RenderSkills serializes the registered skills for the agent card, in
// registration order.
func (r *Registry) RenderSkills() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, id := range r.order {
		meta := r.skills[id].Meta()
		entry := map[string]any{
			"id":                      id,
			"name":                    meta.Name,
			"description":             meta.Description,
			"authentication_required": r.protected[id],
			"input_schema":            meta.InputSchema,
		}
		if len(meta.Tags) > 0 {
			entry["tags"] = meta.Tags
		}
		if len(meta.Examples) > 0 {
			entry["examples"] = meta.Examples
		}
		out = append(out, entry)
	}
	return out
}

// compileSchema compiles a JSON Schema document.
func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain decoded values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := id + ".schema.json"
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalize round-trips the input through JSON so values carry the types
// the schema validator expects (e.g. ints become float64). Inputs decoded
// from HTTP bodies are already in that form; this covers direct callers.
func normalize(input map[string]any) any {
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return input
	}
	return out
}
