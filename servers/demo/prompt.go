package demo

import (
	"context"
	"fmt"

	"github.com/flounderize/mcp-wire"
)

var promptList = []mcp.Prompt{
	{
		Name:        "translate",
		Description: "Translates a piece of text into the target language",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "language",
				Description: "Target language",
				Required:    true,
			},
			{
				Name:        "text",
				Description: "Text to translate",
				Required:    true,
			},
		},
	},
	{
		Name:        "summarize",
		Description: "Summarizes a piece of text",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "text",
				Description: "Text to summarize",
				Required:    true,
			},
		},
	},
}

// ListPrompts implements mcp.PromptServer interface.
func (s *Server) ListPrompts(
	context.Context,
	mcp.ListPromptsParams,
	mcp.ProgressReporter,
) (mcp.ListPromptsResult, error) {
	return mcp.ListPromptsResult{
		Prompts: promptList,
	}, nil
}

// GetPrompt implements mcp.PromptServer interface.
func (s *Server) GetPrompt(
	_ context.Context,
	params mcp.GetPromptParams,
	_ mcp.ProgressReporter,
) (mcp.GetPromptResult, error) {
	switch params.Name {
	case "translate":
		language := params.Arguments["language"]
		text := params.Arguments["text"]
		if language == "" || text == "" {
			return mcp.GetPromptResult{}, fmt.Errorf("missing required arguments: language, text")
		}
		return mcp.GetPromptResult{
			Description: "Translation request",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: fmt.Sprintf("Translate the following text to %s:\n\n%s", language, text),
					},
				},
			},
		}, nil
	case "summarize":
		text := params.Arguments["text"]
		if text == "" {
			return mcp.GetPromptResult{}, fmt.Errorf("missing required argument: text")
		}
		return mcp.GetPromptResult{
			Description: "Summarization request",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.Content{
						Type: mcp.ContentTypeText,
						Text: fmt.Sprintf("Summarize the following text:\n\n%s", text),
					},
				},
			},
		}, nil
	default:
		return mcp.GetPromptResult{}, fmt.Errorf("prompt not found: %s", params.Name)
	}
}
