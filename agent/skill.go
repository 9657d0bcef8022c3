// Package agent defines the skill contract and the skill registry that
// backs the agent card and the execute endpoint.
//
// A skill is one named operation with a JSON Schema over its input and a
// structured result of the shape {success: bool, ...}. Application
// failures never surface as Go errors: they are {success: false, error}
// results so the transport layer can stay uniform.
package agent

import (
	"context"
	"fmt"
)

type (
	// Skill is a single named operation exposed by the agent.
	Skill interface {
		// ID returns the stable machine identifier of the skill.
		ID() string
		// Meta returns the skill's static metadata.
		Meta() Meta
		// Execute runs the skill. The returned map always contains a
		// "success" boolean; failures carry an "error" string. A non-nil
		// error is reserved for programming errors and is mapped to a
		// failure result by the registry.
		Execute(ctx context.Context, input map[string]any) (map[string]any, error)
	}

	// Meta is the static, human-facing description of a skill. It feeds
	// the agent card and the registry's schema validation.
	Meta struct {
		// Name is the display name of the skill.
		Name string
		// Description is a human-readable summary.
		Description string
		// Tags categorize the skill in the agent card.
		Tags []string
		// AuthRequired marks the skill as protected: invocations must
		// carry a valid bearer token.
		AuthRequired bool
		// InputSchema is the JSON Schema describing the input object.
		InputSchema map[string]any
		// Examples holds example input documents.
		Examples []map[string]any
	}
)

// OK builds a success result from the given fields.
func OK(fields map[string]any) map[string]any {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Fail builds a failure result with a formatted error message.
func Fail(format string, args ...any) map[string]any {
	return map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	}
}

// ObjectSchema builds a JSON Schema for an object with the given
// properties and required field names. Shared by the skill
// implementations so their schemas stay uniform.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

// RequireStrings checks that each named field is present in input as a
// non-empty string. It returns the missing field names.
func RequireStrings(input map[string]any, fields ...string) []string {
	var missing []string
	for _, f := range fields {
		s, ok := input[f].(string)
		if !ok || s == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
