// Package toolconv converts tool definitions into each LLM vendor's
// request types. Qualified names are wire-encoded on the way out.
package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ToBedrockTools converts tool definitions to a Bedrock tool configuration.
// It returns nil for an empty tool list; Bedrock rejects an empty config.
func ToBedrockTools(tools []agent.ToolDefinition, choice agent.ToolChoice) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(schemaOrEmpty(tool.Schema), &schema); err != nil {
			schema = emptySchema()
		}
		spec := types.ToolSpecification{
			Name:        aws.String(models.EncodeToolName(tool.Name)),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}
		if tool.Description != "" {
			spec.Description = aws.String(tool.Description)
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{Value: spec}
	}

	cfg := &types.ToolConfiguration{Tools: bedrockTools}
	if choice == agent.ToolChoiceRequired {
		cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	} else {
		cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
	return cfg
}

func schemaOrEmpty(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 || string(schema) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return schema
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
