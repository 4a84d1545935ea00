package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/session"
)

// registerTools wires the read-only inspection tools. Nothing here mutates
// host state beyond loading a session on demand.
func registerTools(s *server.MCPServer, host *session.Host, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all sessions with their load state. Use this first to get session IDs for other operations."),
		),
		listSessionsHandler(host, log),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Get the full conversation state of a session: blocks, subagent conversations, prompts and metadata. Loads the session if it is not in memory."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to inspect"),
			),
		),
		getConversationHandler(host, log),
	)

	s.AddTool(
		mcp.NewTool("get_session_logs",
			mcp.WithDescription("Get the retained log entries of a loaded session. Only works for sessions currently in memory."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to read logs from"),
			),
		),
		getSessionLogsHandler(host, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(host *session.Host, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		infos, err := host.ListSessions(ctx)
		if err != nil {
			log.Error("failed to list sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format sessions: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getConversationHandler(host *session.Host, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		s, err := host.LoadSession(ctx, sessionID)
		if err != nil {
			log.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load session: %v", err)), nil
		}
		snap, err := s.GetState(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read session state: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(snap.Conversation, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format conversation: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getSessionLogsHandler(host *session.Host, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		s, err := host.GetSession(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Session not loaded: %v", err)), nil
		}

		formatted, err := json.MarshalIndent(s.Logs(), "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format logs: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
