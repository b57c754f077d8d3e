package streaming

import (
	"context"
	"time"
)

// Notification is a real-time message for observers of a tenant, such as an
// operator UI waiting for approval requests.
type Notification struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter selects which notifications a subscriber receives. Empty fields
// match everything.
type Filter struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// Notifier publishes notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Hub provides pub/sub for notifications.
type Hub interface {
	Notifier
	Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error)
}
