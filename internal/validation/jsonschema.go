package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sagacore/internal/store"
	"github.com/rendis/sagacore/pkg/schema"
)

const (
	chainSchemaURL    = "https://sagacore.dev/schemas/escalation-chain.json"
	decisionSchemaURL = "https://sagacore.dev/schemas/decision.json"
)

// escalationChainSchemaJSON constrains tenant-supplied escalation chains.
const escalationChainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sagacore.dev/schemas/escalation-chain.json",
  "type": "object",
  "required": ["tenant_id", "saga_name", "levels"],
  "properties": {
    "tenant_id": { "type": "string", "minLength": 1 },
    "saga_name": { "type": "string", "minLength": 1 },
    "levels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "timeout_ms"],
        "properties": {
          "role": { "type": "string", "minLength": 1 },
          "timeout_ms": { "type": "integer", "minimum": 1 }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// decisionSchemaJSON is the body accepted by operator decision endpoints.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sagacore.dev/schemas/decision.json",
  "type": "object",
  "required": ["decision", "decided_by"],
  "properties": {
    "decision": { "type": "string", "enum": ["approved", "rejected"] },
    "decided_by": { "type": "string", "minLength": 1 },
    "note": { "type": "string" }
  },
  "additionalProperties": false
}`

// Validator checks escalation chains, decision requests and trigger payloads
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type Validator struct {
	chainSchema    *jsonschema.Schema
	decisionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas.
func NewValidator() (*Validator, error) {
	c := newCompiler()
	for url, doc := range map[string]string{
		chainSchemaURL:    escalationChainSchemaJSON,
		decisionSchemaURL: decisionSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	chain, err := c.Compile(chainSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile escalation chain schema: %w", err)
	}
	decision, err := c.Compile(decisionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}

	return &Validator{
		chainSchema:    chain,
		decisionSchema: decision,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateChain checks an escalation chain before it is stored.
func (v *Validator) ValidateChain(chain *store.EscalationChain) error {
	if chain == nil {
		return schema.NewError(schema.ErrCodeValidation, "escalation chain is nil")
	}
	doc, err := toJSONValue(chain)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize escalation chain").WithCause(err)
	}
	if err := v.chainSchema.Validate(doc); err != nil {
		return toSagaError(err)
	}
	return nil
}

// ValidateDecision checks a decision request body.
func (v *Validator) ValidateDecision(body map[string]any) error {
	if body == nil {
		return schema.NewError(schema.ErrCodeValidation, "decision body is nil")
	}
	doc, err := toJSONValue(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize decision").WithCause(err)
	}
	if err := v.decisionSchema.Validate(doc); err != nil {
		return toSagaError(err)
	}
	return nil
}

// CompileSchema checks that raw is a usable JSON Schema and caches it.
func (v *Validator) CompileSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if _, err := v.compiled(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	return nil
}

// ValidatePayload validates an event payload against raw. An empty schema
// accepts everything.
func (v *Validator) ValidatePayload(payload map[string]any, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	compiled, err := v.compiled(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSagaError(err)
	}
	return nil
}

func (v *Validator) compiled(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	// A fresh compiler and URL per schema avoids resource collisions.
	url := fmt.Sprintf("sagacore://payload-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSagaError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// listing each leaf violation with its instance location.
func toSagaError(err error) *schema.SagaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
