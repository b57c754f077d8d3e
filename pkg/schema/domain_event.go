package schema

import (
	"encoding/json"
	"time"
)

// DomainEvent is an immutable, tenant-scoped notification of something that
// happened. It is also the wire format when events cross process boundaries.
type DomainEvent struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Version  int            `json:"version"`
	TenantID string         `json:"tenant_id"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata EventMetadata  `json:"metadata"`
}

// EventMetadata carries provenance for a DomainEvent.
type EventMetadata struct {
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	UserID        string    `json:"user_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Clone returns a copy whose payload shares no memory with e.
func (e *DomainEvent) Clone() *DomainEvent {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = CloneMap(e.Payload)
	return &cp
}

// CloneMap deep-copies a JSON-shaped map. Values that cannot be encoded are
// copied shallowly.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		var out map[string]any
		if err := json.Unmarshal(data, &out); err == nil {
			return out
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
