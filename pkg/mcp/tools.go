package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagacore/internal/diagram"
	"github.com/rendis/sagacore/internal/engine"
	"github.com/rendis/sagacore/internal/saga"
	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

// handlePublish emits a domain event on the bus.
func (s *SagaServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.bus == nil {
		return mcp.NewToolResultError("event bus is not enabled"), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	s.captureSession(ctx, agentID, tenantID)

	meta := schema.EventMetadata{
		Source:        "mcp",
		CorrelationID: req.GetString("correlation_id", ""),
		UserID:        agentID,
	}
	ev, pubErr := s.bus.Publish(ctx, eventType, tenantID, payload, meta)
	if pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", pubErr)), nil
	}

	// Instance IDs are derived from the event, so agents can poll them
	// right away.
	var instances []map[string]string
	if s.orch != nil {
		for _, def := range s.orch.Registry().ByTrigger(eventType) {
			instances = append(instances, map[string]string{
				"saga_name":   def.Name,
				"instance_id": engine.InstanceID(tenantID, def.Name, ev.ID),
			})
		}
	}
	return marshalResult(map[string]any{
		"event_id":       ev.ID,
		"correlation_id": ev.Metadata.CorrelationID,
		"sagas":          instances,
	})
}

// handleStatus returns the current state of a saga instance.
func (s *SagaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	status, statusErr := s.orch.Status(ctx, instanceID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleDecide records an agent's decision on an approval gate.
func (s *SagaServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.gates == nil {
		return mcp.NewToolResultError("approvals are not enabled"), nil
	}
	gateID, err := req.RequireString("gate_id")
	if err != nil {
		return mcp.NewToolResultError("gate_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	note := req.GetString("note", "")

	if s.validator != nil {
		body := map[string]any{"decision": decision, "decided_by": agentID}
		if note != "" {
			body["note"] = note
		}
		if vErr := s.validator.ValidateDecision(body); vErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid decision: %v", vErr)), nil
		}
	}

	gate, decideErr := s.gates.Decide(ctx, gateID, schema.Decision(decision), agentID, note)
	if decideErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decideErr)), nil
	}
	s.captureSession(ctx, agentID, gate.TenantID)
	return marshalResult(gate)
}

// handleQuery lists instances, approvals, or definitions based on filters.
func (s *SagaServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		tenantID, _ := filter["tenant_id"].(string)
		s.captureSession(ctx, agentID, tenantID)
	}

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "definitions":
		return marshalResult(map[string]any{"definitions": s.orch.Registry().List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *SagaServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		TenantID: extractString(filter, "tenant_id"),
		SagaName: extractString(filter, "saga_name"),
		Limit:    extractInt(filter, "limit", 50),
	}
	for _, st := range splitList(extractString(filter, "status")) {
		f.Statuses = append(f.Statuses, schema.SagaStatus(st))
	}
	instances, err := s.orch.ListInstances(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if instances == nil {
		instances = []*store.SagaInstance{}
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *SagaServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.gates == nil {
		return mcp.NewToolResultError("approvals are not enabled"), nil
	}
	f := store.GateFilter{
		TenantID:   extractString(filter, "tenant_id"),
		InstanceID: extractString(filter, "instance_id"),
		Limit:      extractInt(filter, "limit", 50),
	}
	statuses := splitList(extractString(filter, "status"))
	if len(statuses) == 0 {
		statuses = []string{string(schema.GateStatusPending), string(schema.GateStatusEscalated)}
	}
	for _, st := range statuses {
		f.Statuses = append(f.Statuses, schema.GateStatus(st))
	}
	gates, err := s.gates.ListGates(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if gates == nil {
		gates = []*store.ApprovalGate{}
	}
	return marshalResult(map[string]any{"approvals": gates})
}

// handleDiagram generates a saga diagram in the requested format.
func (s *SagaServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	sagaName := req.GetString("saga_name", "")
	instanceID := req.GetString("instance_id", "")
	if sagaName == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of saga_name or instance_id is required"), nil
	}

	var inst *store.SagaInstance
	if instanceID != "" {
		st, stErr := s.orch.Status(ctx, instanceID)
		if stErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", stErr)), nil
		}
		inst = st.Instance
		sagaName = inst.SagaName
	}

	def, defErr := s.orch.Registry().Get(sagaName)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", defErr)), nil
	}
	return renderDiagram(ctx, def, inst, format)
}

func renderDiagram(ctx context.Context, def *saga.Definition, inst *store.SagaInstance, format string) (*mcp.CallToolResult, error) {
	model, buildErr := diagram.Build(def, inst)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *SagaServer) captureSession(ctx context.Context, agentID, tenantID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID(), tenantID)
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
