package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/tool"
)

// FromEino converts a tool call from a model message into a Request. The
// tool name is canonicalized through cat. Arguments that are not a JSON
// object make the call fail without running.
func FromEino(tc schema.ToolCall, cat *policy.Catalog) Request {
	name, _ := cat.Canonical(tc.Function.Name)
	req := Request{ID: tc.ID, ToolName: name, Arguments: map[string]any{}}

	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "" {
		return req
	}
	if err := json.Unmarshal([]byte(raw), &req.Arguments); err != nil {
		req.Arguments = map[string]any{}
		req.decodeErr = err
	}
	return req
}

// FromMessage converts every tool call of an assistant message.
func FromMessage(msg *schema.Message, cat *policy.Catalog) []Request {
	reqs := make([]Request, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		reqs = append(reqs, FromEino(tc, cat))
	}
	return reqs
}

// ToolMessages renders terminal snapshots as tool result messages for the
// next model turn, in the order given.
func ToolMessages(snaps []Snapshot) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(snaps))
	for _, snap := range snaps {
		msgs = append(msgs, &schema.Message{
			Role:       schema.Tool,
			Content:    resultContent(snap),
			ToolCallID: snap.ID,
		})
	}
	return msgs
}

func resultContent(snap Snapshot) string {
	switch snap.State {
	case StateDone:
		return snap.Output
	case StateErrored:
		if snap.Output != "" && snap.Output != snap.Error {
			return fmt.Sprintf("Error: %s\n\n%s", snap.Error, snap.Output)
		}
		return "Error: " + snap.Error
	case StateCanceled:
		return "Tool call was canceled by the user"
	default:
		return fmt.Sprintf("Tool call did not finish (state %s)", snap.State)
	}
}

// EinoTools returns every registered tool as an Eino InvokableTool whose
// runs go through the engine, so an Eino agent loop gets the same policy
// checks and permission requests as any other caller. A refused or failed
// call is reported to the model as text, not as an error.
func (e *Engine) EinoTools() []einotool.BaseTool {
	tools := e.tools.List()
	out := make([]einotool.BaseTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, &gatedTool{engine: e, tool: t})
	}
	return out
}

type gatedTool struct {
	engine *Engine
	tool   tool.Tool
}

func (g *gatedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return tool.Info(g.tool), nil
}

func (g *gatedTool) InvokableRun(ctx context.Context, argsJSON string, opts ...einotool.Option) (string, error) {
	req := FromEino(schema.ToolCall{
		Function: schema.FunctionCall{Name: g.tool.ID(), Arguments: argsJSON},
	}, g.engine.tools.Catalog())
	snaps := g.engine.RunBatch(ctx, []Request{req})
	return resultContent(snaps[0]), nil
}
