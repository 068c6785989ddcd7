// Package toolconv converts tool definitions and JSON Schemas into the
// typed forms the Gemini and Bedrock SDKs require. The OpenAI-style
// backends take raw schema maps and need no conversion layer.
package toolconv

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/valet/pkg/models"
)

// ToGeminiTools converts tool definitions to Gemini's Tool format.
func ToGeminiTools(tools []models.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, def := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
			continue
		}

		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  ToGeminiSchema(schemaMap),
		})
	}

	if len(declarations) == 0 {
		return nil
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: declarations,
		},
	}
}

// ToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}

	return schema
}
