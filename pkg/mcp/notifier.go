package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagacore/internal/streaming"
)

// notificationMethod is the MCP method used for pushed approval notices.
const notificationMethod = "notifications/message"

// sender is the slice of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier forwards tenant notifications to the MCP sessions of agents
// acting for that tenant.
type MCPNotifier struct {
	mcpServer sender
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends n to every session registered for its tenant.
// Best-effort: agents that are not connected are skipped.
func (n *MCPNotifier) Notify(_ context.Context, note streaming.Notification) error {
	params := map[string]any{
		"type":      note.Type,
		"tenant_id": note.TenantID,
		"payload":   note.Payload,
		"timestamp": note.Timestamp,
	}
	var errs []error
	for _, sessionID := range n.sessions.SessionsForTenant(note.TenantID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, params)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward relays every notification from hub until ctx is done.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case note, ok := <-ch:
			if !ok {
				return nil
			}
			_ = n.Notify(ctx, note)
		}
	}
}
