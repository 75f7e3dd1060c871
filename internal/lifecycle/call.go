// Package lifecycle tracks every tool call from the moment the model emits it
// until it reaches a terminal state, consulting the policy checker and the
// permission negotiator on the way.
package lifecycle

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

// State is the lifecycle state of a tool call.
type State string

const (
	StateGenerated          State = "generated"
	StateAwaitingPermission State = "awaiting-permission"
	StateCalling            State = "calling"
	StateDone               State = "done"
	StateErrored            State = "errored"
	StateCanceled           State = "canceled"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored || s == StateCanceled
}

// transitions lists the states reachable from each non-terminal state.
var transitions = map[State][]State{
	StateGenerated:          {StateAwaitingPermission, StateCalling, StateErrored, StateCanceled},
	StateAwaitingPermission: {StateCalling, StateErrored, StateCanceled},
	StateCalling:            {StateDone, StateErrored, StateCanceled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is a tool call as emitted by the model.
type Request struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Preview   []preview.Block `json:"preview,omitempty"`

	// decodeErr is set when the model's arguments could not be decoded.
	decodeErr error
}

// Snapshot is a read-only copy of a call's state.
type Snapshot struct {
	ID            string          `json:"id"`
	ToolName      string          `json:"toolName"`
	Arguments     map[string]any  `json:"arguments,omitempty"`
	State         State           `json:"state"`
	Title         string          `json:"title,omitempty"`
	Output        string          `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Decision      policy.Decision `json:"decision,omitempty"`
	MatchedPolicy string          `json:"matchedPolicy,omitempty"`
	// PermissionRequestID is set once the call was put to the user.
	PermissionRequestID string         `json:"permissionRequestId,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	// Seq orders snapshots across all calls of an engine.
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the snapshot is in a terminal state.
func (s Snapshot) Terminal() bool { return s.State.Terminal() }

// Call is one tool call and its state machine.
type Call struct {
	mu       sync.Mutex
	req      Request
	state    State
	title    string
	output   string
	errMsg   string
	decision policy.Decision
	matched  string
	permID   string
	metadata map[string]any
	seq      uint64
	updated  time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	nextSeq func() uint64
	emit    func(Snapshot)
}

func newCall(req Request, nextSeq func() uint64, emit func(Snapshot)) *Call {
	return &Call{
		req:     req,
		state:   StateGenerated,
		done:    make(chan struct{}),
		nextSeq: nextSeq,
		emit:    emit,
	}
}

// ID returns the tool call ID.
func (c *Call) ID() string { return c.req.ID }

// ToolName returns the canonical tool name.
func (c *Call) ToolName() string { return c.req.ToolName }

// Done is closed when the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the call's current state.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Call) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                  c.req.ID,
		ToolName:            c.req.ToolName,
		Arguments:           maps.Clone(c.req.Arguments),
		State:               c.state,
		Title:               c.title,
		Output:              c.output,
		Error:               c.errMsg,
		Decision:            c.decision,
		MatchedPolicy:       c.matched,
		PermissionRequestID: c.permID,
		Metadata:            maps.Clone(c.metadata),
		Seq:                 c.seq,
		UpdatedAt:           c.updated,
	}
}

// update describes the fields a transition sets besides the state.
type update struct {
	title    string
	output   string
	err      string
	metadata map[string]any
}

// transition moves the call to state to and emits the new snapshot. It
// returns false, changing nothing, when the move is not allowed; in
// particular terminal states never change. The snapshot is emitted while the
// call is locked, so observers see every state of a call in order.
func (c *Call) transition(to State, u update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	if u.title != "" {
		c.title = u.title
	}
	if u.output != "" {
		c.output = u.output
	}
	if u.err != "" {
		c.errMsg = u.err
	}
	if u.metadata != nil {
		c.metadata = u.metadata
	}
	c.emitLocked()

	if to.Terminal() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	}
	return true
}

// annotate records the policy decision and permission request without
// changing state.
func (c *Call) annotate(decision policy.Decision, matched, permID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if decision != "" {
		c.decision = decision
	}
	if matched != "" {
		c.matched = matched
	}
	if permID != "" {
		c.permID = permID
	}
}

func (c *Call) emitLocked() {
	c.updated = time.Now()
	if c.nextSeq != nil {
		c.seq = c.nextSeq()
	}
	if c.emit != nil {
		c.emit(c.snapshotLocked())
	}
}
