package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"turul-mcp-go/internal/mcp"
)

// registerDemoCapabilities wires a small capability set that exercises
// every dispatch path the bridge supports: a plain tool, a tool with a
// validated input schema, a static resource, and a templated prompt.
func registerDemoCapabilities(registry *mcp.Registry) {
	if err := registry.RegisterTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echoes the provided text back to the caller.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Handler: func(_ context.Context, _ mcp.SessionContext, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			}, nil
		},
	}); err != nil {
		log.Fatalf("register echo tool: %v", err)
	}

	if err := registry.RegisterTool(&mcp.Tool{
		Name:        "current_time",
		Description: "Returns the current server time in RFC3339.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(_ context.Context, _ mcp.SessionContext, _ map[string]any) (any, error) {
			return map[string]any{
				"content": []map[string]any{{"type": "text", "text": time.Now().UTC().Format(time.RFC3339)}},
			}, nil
		},
	}); err != nil {
		log.Fatalf("register current_time tool: %v", err)
	}

	registry.RegisterResource(&mcp.Resource{
		URI:         "mcp://server/version",
		Name:        "server-version",
		Description: "The running server's name and version.",
		MimeType:    "text/plain",
		Handler: func(_ context.Context, _ mcp.SessionContext, _ string) (any, string, error) {
			return "turul-mcp-go 0.1.0", "text/plain", nil
		},
	})

	registry.RegisterPrompt(&mcp.Prompt{
		Name:        "greeting",
		Description: "Produces a greeting message for the named audience.",
		Arguments: []mcp.PromptArgument{
			{Name: "audience", Description: "Who the greeting addresses", Required: true},
		},
		Handler: func(_ context.Context, _ mcp.SessionContext, args map[string]string) (any, error) {
			audience := args["audience"]
			return []map[string]any{
				{
					"role": "user",
					"content": map[string]any{
						"type": "text",
						"text": fmt.Sprintf("Write a short greeting for %s.", audience),
					},
				},
			}, nil
		},
	})
}
