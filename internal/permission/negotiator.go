package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

// Persister writes allow-always grants back to the persisted policy file.
type Persister interface {
	PersistAllow(ctx context.Context, p policy.Policy) error
}

// Negotiator suspends tool calls on ask decisions until an operator answers.
// Each pending request is keyed by a fresh request ID and resolved exactly
// once, by Respond, by cancellation of the caller's context, or by CancelAll.
type Negotiator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	store     *policy.Store
	catalog   *policy.Catalog
	bus       *event.Bus
	persister Persister
	log       zerolog.Logger
}

type pendingRequest struct {
	req Request
	ch  chan reply
}

type reply struct {
	answer   Answer
	pattern  string
	canceled bool
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithPersister sets where allow-always grants are written.
func WithPersister(p Persister) Option {
	return func(n *Negotiator) { n.persister = p }
}

// WithCatalog sets the catalog used to suggest narrow grant patterns.
func WithCatalog(cat *policy.Catalog) Option {
	return func(n *Negotiator) { n.catalog = cat }
}

// WithBus sets the bus permission events are published on.
func WithBus(bus *event.Bus) Option {
	return func(n *Negotiator) { n.bus = bus }
}

// NewNegotiator creates a negotiator that records session grants in store.
func NewNegotiator(store *policy.Store, opts ...Option) *Negotiator {
	n := &Negotiator{
		pending: make(map[string]*pendingRequest),
		store:   store,
		log:     logging.Component("permission"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Request asks the operator about a tool call and blocks until the request
// is answered or ctx is done. Cancellation resolves as a denial with
// Canceled set; it is never reported as an error.
func (n *Negotiator) Request(ctx context.Context, toolCallID, toolName string, args map[string]any, blocks []preview.Block) Outcome {
	req := Request{
		RequestID:  ulid.Make().String(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Arguments:  args,
		Preview:    blocks,
		Suggested:  policy.SuggestPattern(toolName, args, n.catalog),
		CreatedAt:  time.Now(),
	}
	p := &pendingRequest{req: req, ch: make(chan reply, 1)}

	n.mu.Lock()
	n.pending[req.RequestID] = p
	n.mu.Unlock()
	defer n.remove(req.RequestID)

	n.log.Debug().
		Str("requestID", req.RequestID).
		Str("toolCallID", toolCallID).
		Str("tool", toolName).
		Msg("Permission requested")
	n.publish(event.PermissionRequested, req)

	var r reply
	select {
	case r = <-p.ch:
	case <-ctx.Done():
		if n.claim(req.RequestID) {
			r = reply{answer: Deny, canceled: true}
		} else {
			// answered concurrently; the reply is on its way
			r = <-p.ch
		}
	}

	outcome := Outcome{RequestID: req.RequestID, Answer: r.answer, Canceled: r.canceled}
	switch {
	case r.canceled:
		outcome.Status = StatusCanceled
	case r.answer.Granted():
		outcome.Status = StatusGranted
		outcome.Pattern = r.pattern
	default:
		outcome.Status = StatusDenied
	}

	n.log.Debug().
		Str("requestID", req.RequestID).
		Str("status", string(outcome.Status)).
		Msg("Permission resolved")
	n.publish(event.PermissionResolved, ResolvedData{
		RequestID:  req.RequestID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Status:     outcome.Status,
		Answer:     outcome.Answer,
		Pattern:    outcome.Pattern,
	})
	return outcome
}

// Respond answers a pending request. Allow-always grants the tool name for
// the rest of the process.
func (n *Negotiator) Respond(requestID string, answer Answer) error {
	return n.RespondWithPattern(requestID, answer, "")
}

// RespondWithPattern answers a pending request. For allow-always, pattern
// narrows the session grant (for example "Bash(git status*)"); it must target
// the requested tool. An empty pattern grants the tool name.
func (n *Negotiator) RespondWithPattern(requestID string, answer Answer, pattern string) error {
	if _, err := ParseAnswer(string(answer)); err != nil {
		return err
	}

	n.mu.Lock()
	p, ok := n.pending[requestID]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	var grant policy.Policy
	if answer == AllowAlways {
		if pattern == "" {
			pattern = p.req.ToolName
		}
		parsed, err := policy.Parse(pattern, policy.Allow)
		if err != nil {
			n.mu.Unlock()
			return err
		}
		if parsed.Tool() != p.req.ToolName {
			n.mu.Unlock()
			return fmt.Errorf("pattern %q does not target tool %q", pattern, p.req.ToolName)
		}
		grant = parsed
	}
	delete(n.pending, requestID)
	n.mu.Unlock()

	if !grant.IsZero() && n.store != nil {
		n.store.AddSessionGrant(grant)
	}
	p.ch <- reply{answer: answer, pattern: grant.Pattern()}

	if !grant.IsZero() && n.persister != nil {
		if err := n.persister.PersistAllow(context.Background(), grant); err != nil {
			n.log.Warn().Err(err).Str("pattern", grant.Pattern()).Msg("Failed to persist allow-always policy")
		}
	}
	return nil
}

// CancelAll resolves every pending request as a canceled denial and returns
// how many were pending.
func (n *Negotiator) CancelAll() int {
	n.mu.Lock()
	pending := make([]*pendingRequest, 0, len(n.pending))
	for id, p := range n.pending {
		pending = append(pending, p)
		delete(n.pending, id)
	}
	n.mu.Unlock()

	for _, p := range pending {
		p.ch <- reply{answer: Deny, canceled: true}
	}
	if len(pending) > 0 {
		n.log.Info().Int("count", len(pending)).Msg("Canceled pending permission requests")
	}
	return len(pending)
}

// Pending returns the outstanding requests, oldest first.
func (n *Negotiator) Pending() []Request {
	n.mu.Lock()
	out := make([]Request, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p.req)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// Get returns the pending request with the given ID.
func (n *Negotiator) Get(requestID string) (Request, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// claim removes a pending request, reporting whether it was still pending.
func (n *Negotiator) claim(requestID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.pending[requestID]
	delete(n.pending, requestID)
	return ok
}

func (n *Negotiator) remove(requestID string) {
	n.mu.Lock()
	delete(n.pending, requestID)
	n.mu.Unlock()
}

func (n *Negotiator) publish(t event.EventType, data any) {
	if n.bus == nil {
		return
	}
	n.bus.PublishSync(event.Event{Type: t, Data: data})
}
