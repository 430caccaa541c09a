package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flounderize/mcp-wire"
)

// run connects over the chosen transport and walks through the backend's
// capabilities: tools, progress, resources, and prompts.
func run(ctx context.Context, cfg config, transport mcp.ClientTransport) error {
	client := mcp.NewClient(mcp.Info{Name: "echo-client", Version: "1.0"}, transport)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			fmt.Printf("Failed to disconnect: %v\n", err)
		}
	}()

	fmt.Printf("Connected to %s over %s\n", client.ServerInfo().Name, cfg.Transport)

	go func() {
		for params := range client.Progress() {
			fmt.Printf("  progress %g/%g: %s\n", params.Progress, params.Total, params.Message)
		}
	}()

	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	fmt.Println("Tools:")
	for _, tool := range tools.Tools {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}

	echoArgs, err := json.Marshal(map[string]string{"message": cfg.Message})
	if err != nil {
		return fmt.Errorf("failed to marshal echo arguments: %w", err)
	}
	echoResult, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      "echo",
		Arguments: echoArgs,
	})
	if err != nil {
		return fmt.Errorf("failed to call echo: %w", err)
	}
	fmt.Printf("Echo says: %s\n", echoResult.Content[0].Text)

	fmt.Println("Searching the corpus...")
	searchResult, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      "search",
		Arguments: json.RawMessage(`{"query":"Entry 7:"}`),
	})
	if err != nil {
		return fmt.Errorf("failed to call search: %w", err)
	}
	fmt.Printf("Search found: %s\n", searchResult.Content[0].Text)

	resources, err := client.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	fmt.Printf("Resources: %d on the first page (next cursor %q)\n",
		len(resources.Resources), resources.NextCursor)

	if len(resources.Resources) > 0 {
		contents, err := client.ReadResource(ctx, mcp.ReadResourceParams{
			URI: resources.Resources[0].URI,
		})
		if err != nil {
			return fmt.Errorf("failed to read resource: %w", err)
		}
		fmt.Printf("First resource: %s\n", contents.Contents[0].Text)
	}

	prompt, err := client.GetPrompt(ctx, mcp.GetPromptParams{
		Name: "translate",
		Arguments: map[string]string{
			"language": "Indonesian",
			"text":     cfg.Message,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to get prompt: %w", err)
	}
	fmt.Printf("Prompt renders as:\n%s\n", prompt.Messages[0].Content.Text)

	return nil
}
