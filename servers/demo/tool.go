package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flounderize/mcp-wire"
	"github.com/qri-io/jsonschema"
)

var echoSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

var addSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var searchSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "query": { "type": "string" },
    "steps": { "type": "number", "default": 4 }
  },
  "required": ["query"]
}`)

var builtinTools = []mcp.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the input message",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
	},
	{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	},
	{
		Name:        "search",
		Description: "Scans the demo corpus in steps, reporting progress along the way",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"steps":{"type":"number"}},"required":["query"]}`),
	},
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(builtinTools)+len(s.extraTools))
	tools = append(tools, builtinTools...)
	tools = append(tools, s.extraTools...)

	return mcp.ListToolsResult{
		Tools: tools,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	reporter mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	switch params.Name {
	case "echo":
		return s.callEcho(ctx, params)
	case "add":
		return s.callAdd(ctx, params)
	case "search":
		return s.callSearch(ctx, params, reporter)
	default:
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, t := range s.extraTools {
			if t.Name == params.Name {
				return textResult(t.Description), nil
			}
		}
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (s *Server) callEcho(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	args, err := validateArgs(ctx, echoSchema, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	message, _ := args["message"].(string)

	return textResult(message), nil
}

func (s *Server) callAdd(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	args, err := validateArgs(ctx, addSchema, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	a, _ := args["a"].(float64)
	b, _ := args["b"].(float64)

	return textResult(fmt.Sprintf("The sum of %g and %g is %g", a, b, a+b)), nil
}

func (s *Server) callSearch(
	ctx context.Context,
	params mcp.CallToolParams,
	reporter mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	args, err := validateArgs(ctx, searchSchema, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	query, _ := args["query"].(string)
	steps, _ := args["steps"].(float64)
	if steps <= 0 {
		steps = 4
	}

	var matches []string
	for i := 0; i < int(steps); i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-s.done:
			return mcp.CallToolResult{}, fmt.Errorf("server closed")
		case <-time.After(10 * time.Millisecond):
		}

		catalog := resourceCatalog()
		for j := i; j < len(catalog); j += int(steps) {
			if strings.Contains(catalog[j].contents.Text, query) {
				matches = append(matches, catalog[j].resource.URI)
			}
		}

		reporter(mcp.ProgressParams{
			ProgressToken: params.Meta.ProgressToken,
			Progress:      float64(i + 1),
			Total:         steps,
			Message:       fmt.Sprintf("scanned segment %d of %g", i+1, steps),
		})
	}

	if len(matches) == 0 {
		return textResult(fmt.Sprintf("no matches for %q", query)), nil
	}

	return textResult(strings.Join(matches, "\n")), nil
}

// validateArgs checks raw tool arguments against the schema and decodes them
// into a generic map on success.
func validateArgs(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	keyErrs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(keyErrs) > 0 {
		errStr := make([]string, len(keyErrs))
		for i, ke := range keyErrs {
			errStr[i] = ke.Message
		}
		return nil, fmt.Errorf("arguments validation failed: %s", strings.Join(errStr, ", "))
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return args, nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
		IsError: false,
	}
}
