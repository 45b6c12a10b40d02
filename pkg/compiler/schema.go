package compiler

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema is the document-level contract for workflow definitions.
// It covers shape errors (missing name, agents not a list, depends_on neither
// string nor list of strings); graph-level rules live in the compiler itself.
var definitionSchema = map[string]any{
	"type":     "object",
	"required": []any{"name", "agents"},
	"properties": map[string]any{
		"name": map[string]any{
			"type":      "string",
			"minLength": 1,
		},
		"description": map[string]any{
			"type": "string",
		},
		"agents": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name", "agent"},
				"properties": map[string]any{
					"name":    map[string]any{"type": "string", "minLength": 1},
					"agent":   map[string]any{"type": "string", "minLength": 1},
					"inputs":  map[string]any{"type": "object"},
					"outputs": map[string]any{"type": "object"},
					"depends_on": map[string]any{
						"anyOf": []any{
							map[string]any{"type": "string"},
							map[string]any{
								"type":  "array",
								"items": map[string]any{"type": "string"},
							},
						},
					},
				},
			},
		},
	},
}

// validateDocument checks a raw definition document against definitionSchema.
func validateDocument(doc map[string]any) error {
	if len(doc) == 0 {
		return &ValidationError{Message: "definition is empty"}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(definitionSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return &ValidationError{Message: "schema validation failed: " + err.Error()}
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return &ValidationError{Message: strings.Join(messages, "; ")}
	}

	return nil
}
