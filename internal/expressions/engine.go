package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/sagacore/pkg/schema"
)

// Engine evaluates expressions against saga data.
// Three implementations: Expr (trigger conditions), CEL (approval rules),
// GoJQ (context projection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Bindings builds the evaluation data shared by all engines:
//   - context: the saga's business context
//   - event:   the triggering domain event as a plain map
//
// Both are deep copies, so expressions cannot mutate saga state.
func Bindings(sagaContext map[string]any, event *schema.DomainEvent) map[string]any {
	data := map[string]any{
		"context": schema.CloneMap(sagaContext),
		"event":   map[string]any{},
	}
	if data["context"] == nil {
		data["context"] = map[string]any{}
	}
	if event != nil {
		payload := schema.CloneMap(event.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		data["event"] = map[string]any{
			"id":        event.ID,
			"type":      event.Type,
			"version":   event.Version,
			"tenant_id": event.TenantID,
			"payload":   payload,
			"metadata": map[string]any{
				"source":         event.Metadata.Source,
				"correlation_id": event.Metadata.CorrelationID,
				"user_id":        event.Metadata.UserID,
			},
		}
	}
	return data
}

// Truthy evaluates expression with e and requires a boolean result.
func Truthy(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
