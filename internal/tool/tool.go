// Package tool provides the tools the engine can run and the registry that
// describes them to the policy catalog and to the model.
package tool

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

// Tool defines the interface for all tools.
type Tool interface {
	// ID returns the canonical tool name.
	ID() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Spec describes the tool to the permission checker.
	Spec() policy.ToolSpec

	// Execute executes the tool with the given input.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

// Previewer is implemented by tools that can show what a call would do
// before it is allowed to run.
type Previewer interface {
	Preview(input json.RawMessage, toolCtx *Context) []preview.Block
}

// Context provides execution context to tools.
type Context struct {
	CallID  string
	WorkDir string

	// Metadata callback for real-time updates
	OnMetadata func(title string, meta map[string]any)
}

// SetMetadata updates tool execution metadata.
func (c *Context) SetMetadata(title string, meta map[string]any) {
	if c != nil && c.OnMetadata != nil {
		c.OnMetadata(title, meta)
	}
}

// Result represents the output of a tool execution.
type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// IsError marks output that describes a failure the model should see.
	IsError bool `json:"isError,omitempty"`
}

// workDir returns the directory a call runs in.
func workDir(toolCtx *Context, fallback string) string {
	if toolCtx != nil && toolCtx.WorkDir != "" {
		return toolCtx.WorkDir
	}
	return fallback
}

// Info describes t to the model as an Eino tool info.
func Info(t Tool) *schema.ToolInfo {
	var root jsonSchema
	if err := json.Unmarshal(t.Parameters(), &root); err != nil {
		root = jsonSchema{}
	}
	return &schema.ToolInfo{
		Name:        t.ID(),
		Desc:        t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(root.params()),
	}
}

// jsonSchema is the subset of JSON Schema tool parameters are written in.
type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Enum        []string               `json:"enum"`
	Items       *jsonSchema            `json:"items"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
}

var schemaTypes = map[string]schema.DataType{
	"string":  schema.String,
	"integer": schema.Integer,
	"number":  schema.Number,
	"boolean": schema.Boolean,
	"array":   schema.Array,
	"object":  schema.Object,
}

// params converts the properties of an object schema.
func (s *jsonSchema) params() map[string]*schema.ParameterInfo {
	if len(s.Properties) == 0 {
		return nil
	}
	out := make(map[string]*schema.ParameterInfo, len(s.Properties))
	for name, prop := range s.Properties {
		info := prop.param()
		info.Required = slices.Contains(s.Required, name)
		out[name] = info
	}
	return out
}

func (s *jsonSchema) param() *schema.ParameterInfo {
	typ, ok := schemaTypes[s.Type]
	if !ok {
		typ = schema.String
	}
	info := &schema.ParameterInfo{Type: typ, Desc: s.Description, Enum: s.Enum}
	if s.Items != nil {
		info.ElemInfo = s.Items.param()
	}
	info.SubParams = s.params()
	return info
}
