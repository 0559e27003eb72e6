// Package mcpserver registers MCP tools over a live chat session.
// It adapts chat.Session to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultTimelineLimit = 50

// ChatSession is the part of *chat.Session the tools use.
type ChatSession interface {
	Snapshot() *chat.View
	SetActive(ctx context.Context, key models.ConversationKey) error
	Send(ctx context.Context, text string) (models.Message, error)
	SendTo(ctx context.Context, key models.ConversationKey, text string) (models.Message, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s ChatSession) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Show the signed-in user, the active conversation, the connection state and the last connection error.",
	}, counted("chat_status", statusHandler(s)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_roster",
		Description: "List known users with presence and friend flag, and the groups the user belongs to. Use the ids with chat_open.",
	}, counted("chat_roster", rosterHandler(s)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open",
		Description: "Make a conversation active and load its history. Keys look like personal:<user id> or group:<group id>; none clears the selection.",
	}, counted("chat_open", openHandler(s)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_timeline",
		Description: "Return the newest messages of the active conversation in display order. Pending messages have not been confirmed by the server yet.",
	}, counted("chat_timeline", timelineHandler(s)))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message to the active conversation, or to the given conversation without switching to it. Fails when the connection is down.",
	}, counted("chat_send", sendHandler(s)))
}

// counted wraps h so every invocation is recorded in the tool call metric.
func counted[In, Out any](name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		metrics.ToolCalls.WithLabelValues(name).Inc()
		return h(ctx, req, in)
	}
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// RosterInput has no parameters.
type RosterInput struct{}

// OpenInput holds parameters for chat_open.
type OpenInput struct {
	Conversation string `json:"conversation" jsonschema:"conversation key, e.g. personal:7 or group:3"`
}

// TimelineInput holds parameters for chat_timeline.
type TimelineInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of newest messages to return, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Text         string `json:"text" jsonschema:"message text"`
	Conversation string `json:"conversation,omitempty" jsonschema:"target conversation key, defaults to the active conversation"`
}

// --- Output types ---

// StatusResult is returned by chat_status.
type StatusResult struct {
	Self       models.User `json:"self"`
	Active     string      `json:"active"`
	Connection string      `json:"connection"`
	LastError  string      `json:"last_error,omitempty"`
}

// RosterUser is one user in chat_roster.
type RosterUser struct {
	ID     int64                 `json:"id"`
	Name   string                `json:"name"`
	Status models.PresenceStatus `json:"status"`
	Friend bool                  `json:"friend"`
}

// RosterResult is returned by chat_roster.
type RosterResult struct {
	Users  []RosterUser       `json:"users"`
	Groups []models.GroupInfo `json:"groups"`
}

// OpenResult is returned by chat_open.
type OpenResult struct {
	Active string `json:"active"`
}

// TimelineMessage is one message in chat_timeline.
type TimelineMessage struct {
	ID         int64              `json:"id"`
	From       string             `json:"from"`
	Text       string             `json:"text,omitempty"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	Timestamp  string             `json:"timestamp"`
	Pending    bool               `json:"pending,omitempty"`
	System     bool               `json:"system,omitempty"`
}

// TimelineResult is returned by chat_timeline.
type TimelineResult struct {
	Conversation string            `json:"conversation"`
	Total        int               `json:"total"`
	Messages     []TimelineMessage `json:"messages"`
}

// SendResult is returned by chat_send.
type SendResult struct {
	ID           int64  `json:"id"`
	Conversation string `json:"conversation"`
	Pending      bool   `json:"pending"`
}

// --- Handlers ---

func statusHandler(s ChatSession) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		v := s.Snapshot()

		result := &StatusResult{
			Self:       v.Self,
			Active:     v.Active.String(),
			Connection: v.Connection.String(),
		}
		if v.LastError != nil {
			result.LastError = v.LastError.Error()
		}

		return textResult(result), result, nil
	}
}

func rosterHandler(s ChatSession) mcp.ToolHandlerFor[RosterInput, *RosterResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ RosterInput) (*mcp.CallToolResult, *RosterResult, error) {
		roster := s.Snapshot().Roster

		friends := make(map[int64]bool, len(roster.FriendIDs))
		for _, id := range roster.FriendIDs {
			friends[id] = true
		}

		result := &RosterResult{
			Users:  make([]RosterUser, 0, len(roster.Users)),
			Groups: make([]models.GroupInfo, 0, len(roster.Groups)),
		}

		// The output schema requires arrays, so nil member lists become empty.
		for _, g := range roster.Groups {
			g.Members = nonNil(g.Members)
			g.DeniedMembers = nonNil(g.DeniedMembers)
			result.Groups = append(result.Groups, g)
		}

		for _, u := range roster.Users {
			result.Users = append(result.Users, RosterUser{
				ID:     u.ID,
				Name:   u.Name,
				Status: u.Status,
				Friend: friends[u.ID],
			})
		}

		return textResult(result), result, nil
	}
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}

	return ids
}

func openHandler(s ChatSession) mcp.ToolHandlerFor[OpenInput, *OpenResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *OpenResult, error) {
		key, err := models.ParseConversationKey(input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		if err := s.SetActive(ctx, key); err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", key, err)
		}

		result := &OpenResult{Active: key.String()}

		return textResult(result), result, nil
	}
}

func timelineHandler(s ChatSession) mcp.ToolHandlerFor[TimelineInput, *TimelineResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input TimelineInput) (*mcp.CallToolResult, *TimelineResult, error) {
		v := s.Snapshot()

		limit := input.Limit
		if limit <= 0 {
			limit = defaultTimelineLimit
		}

		msgs := v.Timeline
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		names := make(map[int64]string, len(v.Roster.Users)+1)
		for _, u := range v.Roster.Users {
			names[u.ID] = u.Name
		}
		names[v.Self.ID] = v.Self.Name

		result := &TimelineResult{
			Conversation: v.Active.String(),
			Total:        len(v.Timeline),
			Messages:     make([]TimelineMessage, 0, len(msgs)),
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, TimelineMessage{
				ID:         int64(m.ID),
				From:       senderName(names, m),
				Text:       m.Text,
				Attachment: m.Attachment,
				Timestamp:  m.Timestamp.UTC().Format(time.RFC3339),
				Pending:    m.ID.Provisional() && !m.System,
				System:     m.System,
			})
		}

		return textResult(result), result, nil
	}
}

func senderName(names map[int64]string, m models.Message) string {
	if m.System {
		return "system"
	}

	if name, ok := names[m.SenderID]; ok && name != "" {
		return name
	}

	return fmt.Sprintf("user %d", m.SenderID)
}

func sendHandler(s ChatSession) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		var (
			msg models.Message
			err error
		)

		if input.Conversation == "" {
			msg, err = s.Send(ctx, input.Text)
		} else {
			key, perr := models.ParseConversationKey(input.Conversation)
			if perr != nil {
				return nil, nil, perr
			}

			msg, err = s.SendTo(ctx, key, input.Text)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{
			ID:           int64(msg.ID),
			Conversation: models.KeyOf(msg, msg.SenderID).String(),
			Pending:      msg.ID.Provisional(),
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
