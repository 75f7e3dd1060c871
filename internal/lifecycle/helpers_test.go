package lifecycle_test

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/gomega"

	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/tool"
)

// fnTool is a tool whose behaviour is a plain function.
type fnTool struct {
	spec policy.ToolSpec
	run  func(ctx context.Context, input json.RawMessage) (*tool.Result, error)
}

func (f *fnTool) ID() string                  { return f.spec.Name }
func (f *fnTool) Description() string         { return "test tool " + f.spec.Name }
func (f *fnTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fnTool) Spec() policy.ToolSpec       { return f.spec }
func (f *fnTool) Execute(ctx context.Context, input json.RawMessage, _ *tool.Context) (*tool.Result, error) {
	return f.run(ctx, input)
}

// fixture wires an engine over a set of fake tools:
//
//	Echo    allowed; echoes its input
//	Shell   asks through the builtin catch-all; primary argument "command"
//	Note    asks through the builtin catch-all; not a shell tool
//	Block   allowed; runs until canceled
//	Boom    allowed; panics
//	Fail    allowed; returns an error result
//	Secret  excluded
type fixture struct {
	registry   *tool.Registry
	store      *policy.Store
	negotiator *permission.Negotiator
	engine     *lifecycle.Engine

	mu     sync.Mutex
	states map[string][]lifecycle.State
}

func newFixture(opts ...lifecycle.Option) *fixture {
	registry := tool.NewRegistry("/tmp", policy.NewCatalog())
	tools := []*fnTool{
		{spec: policy.ToolSpec{Name: "Echo", Aliases: []string{"echo"}}, run: func(_ context.Context, input json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Title: "echo", Output: string(input)}, nil
		}},
		{spec: policy.ToolSpec{Name: "Shell", PrimaryArg: "command", Shell: true}, run: func(_ context.Context, input json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Output: "ran " + string(input)}, nil
		}},
		{spec: policy.ToolSpec{Name: "Note", PrimaryArg: "text"}, run: func(_ context.Context, input json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Output: "noted"}, nil
		}},
		{spec: policy.ToolSpec{Name: "Block"}, run: func(ctx context.Context, _ json.RawMessage) (*tool.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		{spec: policy.ToolSpec{Name: "Boom"}, run: func(context.Context, json.RawMessage) (*tool.Result, error) {
			panic("kaboom")
		}},
		{spec: policy.ToolSpec{Name: "Fail"}, run: func(context.Context, json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Output: "file not found", IsError: true}, nil
		}},
		{spec: policy.ToolSpec{Name: "Secret"}, run: func(context.Context, json.RawMessage) (*tool.Result, error) {
			return &tool.Result{Output: "leaked"}, nil
		}},
	}
	for _, t := range tools {
		Expect(registry.Register(t)).To(Succeed())
	}

	src, err := policy.FromLists(policy.OriginRuntime, "test",
		[]string{"Echo", "Block", "Boom", "Fail"},
		nil,
		[]string{"Secret"})
	Expect(err).NotTo(HaveOccurred())

	store := policy.NewStore(policy.BuiltinDefaults(), src)
	negotiator := permission.NewNegotiator(store, permission.WithCatalog(registry.Catalog()))
	f := &fixture{
		registry:   registry,
		store:      store,
		negotiator: negotiator,
		engine:     lifecycle.NewEngine(registry, store, negotiator, opts...),
		states:     make(map[string][]lifecycle.State),
	}
	f.engine.Observe(func(s lifecycle.Snapshot) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states[s.ID] = append(f.states[s.ID], s.State)
	})
	return f
}

// statesOf returns every state the observer saw for a call.
func (f *fixture) statesOf(id string) []lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.State(nil), f.states[id]...)
}

// pendingFor waits for the permission request of a tool call.
func (f *fixture) pendingFor(callID string) permission.Request {
	var found permission.Request
	Eventually(func() bool {
		for _, req := range f.negotiator.Pending() {
			if req.ToolCallID == callID {
				found = req
				return true
			}
		}
		return false
	}).Should(BeTrue(), "no permission request for %s", callID)
	return found
}

// answer waits for the call's permission request and answers it.
func (f *fixture) answer(callID string, a permission.Answer) {
	req := f.pendingFor(callID)
	Expect(f.negotiator.Respond(req.RequestID, a)).To(Succeed())
}

// finish waits for the call to become terminal.
func finish(call *lifecycle.Call) lifecycle.Snapshot {
	Eventually(call.Done()).Should(BeClosed())
	return call.Snapshot()
}
