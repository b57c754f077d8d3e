package expressions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sagacore/pkg/schema"
)

func sampleEvent() *schema.DomainEvent {
	return &schema.DomainEvent{
		ID:       "evt-1",
		Type:     "order.placed",
		Version:  1,
		TenantID: "t1",
		Payload:  map[string]any{"total": 250, "items": []any{"a", "b"}},
		Metadata: schema.EventMetadata{Source: "orders", CorrelationID: "corr-1", Timestamp: time.Now()},
	}
}

func TestBindings(t *testing.T) {
	ctx := map[string]any{"region": "eu"}
	data := Bindings(ctx, sampleEvent())

	ev := data["event"].(map[string]any)
	assert.Equal(t, "order.placed", ev["type"])
	assert.Equal(t, float64(250), ev["payload"].(map[string]any)["total"])
	assert.Equal(t, "corr-1", ev["metadata"].(map[string]any)["correlation_id"])

	data["context"].(map[string]any)["region"] = "us"
	assert.Equal(t, "eu", ctx["region"], "bindings must not alias saga context")

	empty := Bindings(nil, nil)
	assert.Equal(t, map[string]any{}, empty["context"])
	assert.Equal(t, map[string]any{}, empty["event"])
}

func TestExpr_TriggerCondition(t *testing.T) {
	e := NewExprEngine()
	data := Bindings(map[string]any{"region": "eu"}, sampleEvent())

	ok, err := Truthy(context.Background(), e, `event.payload.total > 100 && context.region == "eu"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Truthy(context.Background(), e, `len(event.payload.items) > 5`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	err := e.Compile(`event.payload.total >`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeValidation}))

	assert.Error(t, e.Compile(""))
}

func TestTruthy_RequiresBool(t *testing.T) {
	e := NewExprEngine()
	_, err := Truthy(context.Background(), e, `event.type`, Bindings(nil, sampleEvent()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, &schema.SagaError{Code: schema.ErrCodeExpression}))
	assert.Contains(t, err.Error(), "want bool")
}

func TestCEL_ApprovalRule(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := Bindings(map[string]any{"amount": 1500.0}, sampleEvent())
	ok, err := Truthy(context.Background(), e, `context.amount > 1000`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Truthy(context.Background(), e, `event.tenant_id == "t2"`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesDefault(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(context) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	err = e.Compile(`context.amount >`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEL compile error")
}

func TestGoJQ_Project(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"orderId": "o-1", "amount": 42, "secret": "x"}

	out, err := e.Project(context.Background(), `{orderId, amount}`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"orderId": "o-1", "amount": float64(42)}, out)
}

func TestGoJQ_ProjectRequiresObject(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Project(context.Background(), `.orderId`, map[string]any{"orderId": "o-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want object")
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)

	none, err := e.Evaluate(context.Background(), `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV`, nil)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Empty(t, m)
}

func TestEngines_ConcurrentCache(t *testing.T) {
	ex := NewExprEngine()
	jq := NewGoJQEngine()
	data := Bindings(map[string]any{"n": 1}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Truthy(context.Background(), ex, `context.n == 1`, data)
			_, _ = jq.Evaluate(context.Background(), `.context.n`, data)
		}()
	}
	wg.Wait()
	assert.Len(t, ex.cache, 1)
	assert.Len(t, jq.cache, 1)
}
