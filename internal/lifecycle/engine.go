package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
	"github.com/opencode-ai/toolgate/internal/tool"
)

// DefaultMaxParallel bounds how many calls of a batch run at once.
const DefaultMaxParallel = 8

// Observer receives every snapshot a call emits.
type Observer func(Snapshot)

// Engine drives tool calls through their lifecycle.
type Engine struct {
	tools      *tool.Registry
	store      *policy.Store
	negotiator *permission.Negotiator
	bus        *event.Bus
	repeat     *permission.RepeatDetector
	tracer     trace.Tracer
	workDir    string
	parallel   int
	log        zerolog.Logger

	mu        sync.RWMutex
	calls     []*Call
	byID      map[string]*Call
	observers map[uint64]Observer
	nextObs   uint64

	seq atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes toolcall.updated events on bus.
func WithBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithRepeatGuard asks before running a call that repeats the same tool and
// arguments threshold times in a row, even when policy allows it.
func WithRepeatGuard(threshold int) Option {
	return func(e *Engine) { e.repeat = permission.NewRepeatDetector(threshold) }
}

// WithTracer sets the tracer for tool call spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithWorkDir sets the working directory tools run in.
func WithWorkDir(dir string) Option {
	return func(e *Engine) { e.workDir = dir }
}

// WithMaxParallel bounds the concurrency of RunBatch.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallel = n
		}
	}
}

// NewEngine creates an engine running tools from tools under the policies in
// store, asking negotiator when a policy says so.
func NewEngine(tools *tool.Registry, store *policy.Store, negotiator *permission.Negotiator, opts ...Option) *Engine {
	e := &Engine{
		tools:      tools,
		store:      store,
		negotiator: negotiator,
		tracer:     otel.Tracer("github.com/opencode-ai/toolgate/internal/lifecycle"),
		workDir:    tools.WorkDir(),
		parallel:   DefaultMaxParallel,
		log:        logging.Component("lifecycle"),
		byID:       make(map[string]*Call),
		observers:  make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe registers fn for every snapshot of every call and returns a
// function that removes it. Observers run synchronously while the emitting
// call is locked; they must not block or call back into that call.
func (e *Engine) Observe(fn Observer) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) emit(snap Snapshot) {
	e.mu.RLock()
	observers := make([]Observer, 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.RUnlock()

	for _, fn := range observers {
		fn(snap)
	}
	if e.bus != nil {
		e.bus.PublishSync(event.Event{Type: event.ToolCallUpdated, Data: snap})
	}
}

// Submit registers a call in the generated state and runs it in the
// background. The call is canceled when ctx is.
func (e *Engine) Submit(ctx context.Context, req Request) *Call {
	call, ctx := e.register(ctx, req)
	go e.run(ctx, call)
	return call
}

// RunBatch runs the calls of one model turn concurrently and returns their
// terminal snapshots in the order the calls were emitted.
func (e *Engine) RunBatch(ctx context.Context, reqs []Request) []Snapshot {
	calls := make([]*Call, len(reqs))
	ctxs := make([]context.Context, len(reqs))
	for i, req := range reqs {
		calls[i], ctxs[i] = e.register(ctx, req)
	}

	g := new(errgroup.Group)
	g.SetLimit(e.parallel)
	for i, call := range calls {
		g.Go(func() error {
			e.run(ctxs[i], call)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Snapshot, len(calls))
	for i, call := range calls {
		out[i] = call.Snapshot()
	}
	return out
}

func (e *Engine) register(ctx context.Context, req Request) (*Call, context.Context) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if canonical, ok := e.tools.Catalog().Canonical(req.ToolName); ok {
		req.ToolName = canonical
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	callCtx, cancel := context.WithCancel(ctx)
	call := newCall(req, func() uint64 { return e.seq.Add(1) }, e.emit)
	call.cancel = cancel

	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.byID[req.ID] = call
	e.mu.Unlock()

	call.mu.Lock()
	call.emitLocked()
	call.mu.Unlock()
	return call, callCtx
}

// Get returns the most recent call with the given ID.
func (e *Engine) Get(id string) (*Call, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	call, ok := e.byID[id]
	return call, ok
}

// Calls returns snapshots of every call in emission order.
func (e *Engine) Calls() []Snapshot {
	e.mu.RLock()
	calls := append([]*Call(nil), e.calls...)
	e.mu.RUnlock()

	out := make([]Snapshot, len(calls))
	for i, call := range calls {
		out[i] = call.Snapshot()
	}
	return out
}

// Interrupt cancels every call that has not finished: pending permission
// requests are denied and running tools are canceled. Background jobs the
// calls started keep running. It returns the number of calls canceled.
func (e *Engine) Interrupt() int {
	e.mu.RLock()
	calls := append([]*Call(nil), e.calls...)
	e.mu.RUnlock()

	canceled := 0
	for _, call := range calls {
		if call.transition(StateCanceled, update{err: "Interrupted by user"}) {
			canceled++
		}
	}
	pending := e.negotiator.CancelAll()
	e.log.Info().Int("calls", canceled).Int("permissionRequests", pending).Msg("Interrupted tool calls")
	if e.repeat != nil {
		e.repeat.Reset()
	}
	return canceled
}

func (e *Engine) run(ctx context.Context, call *Call) {
	ctx, span := e.startCallSpan(ctx, call)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("call", call.ID()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Tool call panicked")
			call.transition(StateErrored, update{err: fmt.Sprintf("internal error: %v", r)})
		}
		e.endCallSpan(span, call.Snapshot())
	}()

	req := call.req
	log := e.log.With().Str("call", req.ID).Str("tool", req.ToolName).Logger()

	if req.decodeErr != nil {
		call.transition(StateErrored, update{err: fmt.Sprintf("invalid arguments: %v", req.decodeErr)})
		return
	}

	t, ok := e.tools.Get(req.ToolName)
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", req.ToolName)
		if suggestion, ok := e.tools.Suggest(req.ToolName); ok {
			msg += fmt.Sprintf(", did you mean %q?", suggestion)
		}
		call.transition(StateErrored, update{err: msg})
		return
	}

	input, err := json.Marshal(req.Arguments)
	if err != nil {
		call.transition(StateErrored, update{err: fmt.Sprintf("invalid arguments: %v", err)})
		return
	}
	toolCtx := &tool.Context{CallID: req.ID, WorkDir: e.workDir}

	if !e.authorize(ctx, call, t, input, toolCtx, log) {
		return
	}
	if !call.transition(StateCalling, update{}) {
		return
	}

	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		call.mu.Lock()
		defer call.mu.Unlock()
		if call.state != StateCalling {
			return
		}
		call.title = title
		call.metadata = meta
		call.emitLocked()
	}

	result, err := e.execute(ctx, t, input, toolCtx)
	switch {
	case ctx.Err() != nil:
		call.transition(StateCanceled, update{err: "Tool call canceled"})
	case err != nil:
		log.Debug().Err(err).Msg("Tool failed")
		call.transition(StateErrored, update{err: err.Error()})
	case result == nil:
		call.transition(StateDone, update{})
	case result.IsError:
		call.transition(StateErrored, update{title: result.Title, output: result.Output, err: result.Output, metadata: result.Metadata})
	default:
		call.transition(StateDone, update{title: result.Title, output: result.Output, metadata: result.Metadata})
	}
}

// authorize consults the policies and, when they ask, the user. It reports
// whether the call may run; when it may not the call has been moved to a
// terminal state.
func (e *Engine) authorize(ctx context.Context, call *Call, t tool.Tool, input json.RawMessage, toolCtx *tool.Context, log zerolog.Logger) bool {
	req := call.req
	res := e.store.Check(req.ToolName, req.Arguments, e.tools.Catalog())
	decision := res.Decision

	repeated := e.repeat != nil && e.repeat.Observe(req.ToolName, req.Arguments)
	if repeated && decision == policy.Allow {
		log.Warn().Msg("Repeated identical tool call, asking for permission")
		decision = policy.Ask
	}
	call.annotate(decision, res.Matched.String(), "")

	switch decision {
	case policy.Allow:
		return true
	case policy.Exclude:
		call.transition(StateErrored, update{err: fmt.Sprintf("Permission denied by policy %s", res.Matched.Pattern())})
		return false
	}

	if !call.transition(StateAwaitingPermission, update{}) {
		return false
	}

	blocks := req.Preview
	if len(blocks) == 0 {
		if p, ok := t.(tool.Previewer); ok {
			blocks = p.Preview(input, toolCtx)
		}
	}
	if len(blocks) == 0 {
		blocks = e.fallbackPreview(req, input, toolCtx)
	}
	if repeated {
		blocks = append(blocks, preview.Text("repeated call", "this exact call was made several times in a row"))
	}

	outcome := e.negotiator.Request(ctx, req.ID, req.ToolName, req.Arguments, blocks)
	call.annotate("", "", outcome.RequestID)

	switch {
	case outcome.Canceled:
		call.transition(StateCanceled, update{err: "Permission request canceled"})
		return false
	case !outcome.Answer.Granted():
		call.transition(StateErrored, update{err: "Permission denied by user"})
		return false
	}
	if repeated {
		e.repeat.Reset()
	}
	return true
}

// fallbackPreview describes a call whose tool renders no preview itself: the
// command line for shell tools, the raw arguments otherwise.
func (e *Engine) fallbackPreview(req Request, input json.RawMessage, toolCtx *tool.Context) []preview.Block {
	spec, _ := e.tools.Catalog().Spec(req.ToolName)
	if spec.Shell && spec.PrimaryArg != "" {
		if command, ok := req.Arguments[spec.PrimaryArg].(string); ok {
			return []preview.Block{preview.Command(command, toolCtx.WorkDir)}
		}
	}
	args := string(input)
	if args == "" || args == "null" {
		args = "{}"
	}
	return []preview.Block{preview.Text(req.ToolName, args)}
}

// execute runs the tool, turning a panic into an error.
func (e *Engine) execute(ctx context.Context, t tool.Tool, input json.RawMessage, toolCtx *tool.Context) (result *tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("tool", t.ID()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Tool panicked")
			result, err = nil, fmt.Errorf("tool %s panicked: %v", t.ID(), r)
		}
	}()
	return t.Execute(ctx, input, toolCtx)
}
