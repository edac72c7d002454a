package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nexxia-ai/reelforge/registry"
	"github.com/nexxia-ai/reelforge/stagekit"
)

// VisualHandler delegates clip/overlay generation to an external tool
// server over MCP (e.g. a stock-footage search tool, a B-roll
// generator) rather than calling a single fixed API, so the set of
// visual sources is a deployment-time configuration rather than a
// compiled-in dependency.
type VisualHandler struct {
	client   mcpclient.MCPClient
	toolName string
}

// NewVisualHandler starts a stdio MCP server and verifies the
// requested tool exists before the handler is considered usable.
func NewVisualHandler(ctx context.Context, command string, args []string, toolName string) (*VisualHandler, error) {
	client, err := mcpclient.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("start visual MCP server: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "reelforge-visual", Version: "0.1.0"}

	if _, err := client.Initialize(initCtx, initRequest); err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize visual MCP server: %w", err)
	}

	return &VisualHandler{client: client, toolName: toolName}, nil
}

func (h *VisualHandler) Close() error {
	return h.client.Close()
}

func (h *VisualHandler) StageName() registry.StageName { return registry.Visual }

type visualRequest struct {
	Query    string `json:"query"`
	ClipsMin int    `json:"clips_min"`
}

func (h *VisualHandler) Validate(input json.RawMessage) stagekit.ValidationResult {
	var req visualRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return stagekit.ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if req.Query == "" {
		return stagekit.ValidationResult{Valid: false, Errors: []string{"query is required"}}
	}
	return stagekit.ValidationResult{Valid: true}
}

func (h *VisualHandler) Execute(ec stagekit.ExecContext) (stagekit.Result, error) {
	var req visualRequest
	if err := json.Unmarshal(ec.Input, &req); err != nil {
		return stagekit.Failure(fmt.Sprintf("decode input: %v", err)), nil
	}

	ctx, cancel := context.WithTimeout(ec.Context, 30*time.Second)
	defer cancel()

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = h.toolName
	callReq.Params.Arguments = map[string]any{"query": req.Query, "clips_min": req.ClipsMin}

	result, err := h.client.CallTool(ctx, callReq)
	if err != nil {
		return stagekit.Result{}, fmt.Errorf("call visual tool %s: %w", h.toolName, err)
	}
	if result.IsError {
		msg := "visual tool call failed"
		if len(result.Content) > 0 {
			if c, ok := result.Content[0].(mcp.TextContent); ok {
				msg = c.Text
			}
		}
		return stagekit.Failure(msg), nil
	}

	var clips []stagekit.VisualClip
	for _, content := range result.Content {
		text, ok := content.(mcp.TextContent)
		if !ok {
			continue
		}
		var clip stagekit.VisualClip
		if err := json.Unmarshal([]byte(text.Text), &clip); err == nil && clip.URL != "" {
			clips = append(clips, clip)
		}
	}

	if len(clips) == 0 {
		return stagekit.Failure("visual tool returned no usable clips"), nil
	}

	output := stagekit.VisualOutput{Clips: clips}

	artifacts := make([]string, len(clips))
	for i, c := range clips {
		artifacts[i] = c.URL
	}

	return stagekit.Success(output, artifacts, nil)
}
