package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ToOpenAITools converts tool definitions to OpenAI function tools.
func ToOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(schemaOrEmpty(tool.Schema), &params); err != nil || params == nil {
			params = emptySchema()
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        models.EncodeToolName(tool.Name),
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// ToOpenAIToolChoice returns the tool_choice value for the request.
func ToOpenAIToolChoice(choice agent.ToolChoice) string {
	switch choice {
	case agent.ToolChoiceRequired:
		return "required"
	case agent.ToolChoiceNone:
		return "none"
	default:
		return "auto"
	}
}
