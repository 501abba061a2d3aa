package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/suPer8Hu/taskflow/internal/ai"
)

// OwnerField is present in every tool schema. Its value is always stamped by
// the caller from the authenticated session.
const OwnerField = "user_id"

// Func runs a tool for ownerID. args is the validated argument object.
type Func func(ctx context.Context, ownerID string, args json.RawMessage) Envelope

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Func

	schema *jsonschema.Schema
}

// Registry maps tool names to handlers. It is built by the caller and handed
// to the agent loop; there is no package-level instance.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool. It only fails if the parameter schema
// does not compile.
func (r *Registry) Register(name, description string, params map[string]any, fn Func) error {
	schema, err := compileSchema(name, params)
	if err != nil {
		return err
	}
	t := &Tool{Name: name, Description: description, Parameters: params, Handler: fn, schema: schema}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the catalogue in OpenAI function format, in registration order.
func (r *Registry) Definitions() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ai.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ai.ToolDefinition{
			Type: "function",
			Function: ai.FunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Call validates args against the tool schema and runs the handler.
// Validation failures and panics come back as failure envelopes.
func (t *Tool) Call(ctx context.Context, args map[string]any) (env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			env = Failure("Tool '%s' failed: %v", t.Name, rec)
		}
	}()

	raw, err := json.Marshal(args)
	if err != nil {
		return Failure("Invalid arguments for %s: %v", t.Name, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Failure("Invalid arguments for %s: %v", t.Name, err)
	}
	if err := t.schema.Validate(inst); err != nil {
		return Failure("Invalid arguments for %s: %s", t.Name, validationSummary(err))
	}

	owner, _ := args[OwnerField].(string)
	return t.Handler(ctx, owner, raw)
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("tool %s: parse schema: %w", name, err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// validationSummary flattens the validator's multi-line output for the model.
func validationSummary(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	parts := make([]string, 0, len(lines))
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || (i == 0 && len(lines) > 1 && strings.HasPrefix(l, "jsonschema validation failed")) {
			continue
		}
		parts = append(parts, strings.TrimPrefix(l, "- "))
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}
