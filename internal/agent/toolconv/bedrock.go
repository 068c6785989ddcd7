package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/valet/pkg/models"
)

// ToBedrockTools converts tool definitions to Bedrock tool configuration.
func ToBedrockTools(tools []models.ToolDefinition) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))

	for i, def := range tools {
		var schema any
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}
