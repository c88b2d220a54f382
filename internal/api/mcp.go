package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Memory *memory.Engine
	Store  *storage.Store
	// DefaultUser is used when a tool call carries no user argument.
	DefaultUser string
}

// NewMCPServer creates an MCP server exposing the memory engine to assistant
// hosts over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"engram",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("engram provides long-term conversational memory: recall relevant past exchanges before replying, commit each completed exchange after."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Retrieve relevant past exchanges for the given input, packed into a context block. Returns the context and the IDs of the memories it uses; pass those IDs to commit afterwards."),
			mcp.WithString("input", mcp.Description("The user's current message"), mcp.Required()),
			mcp.WithString("user", mcp.Description("User identifier (defaults to the configured user)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("commit",
			mcp.WithDescription("Record a completed exchange: rewards the memories that informed the reply, decays the rest, and stores the new exchange."),
			mcp.WithString("input", mcp.Description("The user's message"), mcp.Required()),
			mcp.WithString("output", mcp.Description("The assistant's reply"), mcp.Required()),
			mcp.WithArray("used_ids", mcp.Description("Interaction IDs returned by the preceding recall")),
			mcp.WithString("user", mcp.Description("User identifier (defaults to the configured user)")),
		),
		mcpCommit(deps),
	)

	s.AddTool(
		mcp.NewTool("entities",
			mcp.WithDescription("List the strongest entities in the user's memory graph, with co-occurrence relationships."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entities (default 20)")),
			mcp.WithString("user", mcp.Description("User identifier (defaults to the configured user)")),
		),
		mcpEntities(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memory://recent",
			"Recent Exchanges",
			mcp.WithResourceDescription("Last 10 stored exchanges for the configured user (inputs only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func (d MCPDeps) user(req mcp.CallToolRequest) string {
	return req.GetString("user", d.DefaultUser)
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := req.RequireString("input")
		if err != nil {
			return mcpError("input is required"), nil
		}

		result, err := deps.Memory.Recall(ctx, deps.user(req), input)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCommit(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := req.RequireString("input")
		if err != nil {
			return mcpError("input is required"), nil
		}
		output, err := req.RequireString("output")
		if err != nil {
			return mcpError("output is required"), nil
		}
		usedIDs := req.GetStringSlice("used_ids", nil)

		id, err := deps.Memory.Commit(ctx, deps.user(req), input, output, usedIDs)
		if err != nil {
			return mcpError(fmt.Sprintf("commit failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored interaction %s", id)), nil
	}
}

func mcpEntities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		entities, err := deps.Store.ListEntities(ctx, deps.user(req), limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list entities: %v", err)), nil
		}
		if len(entities) == 0 {
			return mcpText("[]"), nil
		}

		type entityResult struct {
			Key           string             `json:"key"`
			Name          string             `json:"name"`
			AccessCount   int                `json:"access_count"`
			Relevance     float64            `json:"relevance"`
			Mentions      int                `json:"mentions"`
			Relationships map[string]float64 `json:"relationships,omitempty"`
		}

		results := make([]entityResult, len(entities))
		for i, e := range entities {
			results[i] = entityResult{
				Key:           e.Key,
				Name:          e.Name,
				AccessCount:   e.AccessCount,
				Relevance:     e.RelevanceScore,
				Mentions:      len(e.MentionedIn),
				Relationships: e.Relationships,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entities: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		interactions, err := deps.Store.FindRecent(ctx, deps.DefaultUser, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent interactions: %w", err)
		}

		type exchangeSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Input     string `json:"input"`
		}

		summaries := make([]exchangeSummary, len(interactions))
		for i, ix := range interactions {
			input := ix.UserInput
			if utf8.RuneCountInString(input) > 200 {
				runes := []rune(input)
				input = string(runes[:200]) + "..."
			}
			summaries[i] = exchangeSummary{
				ID:        ix.ID,
				CreatedAt: ix.CreatedAt.Format(time.RFC3339),
				Input:     input,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
