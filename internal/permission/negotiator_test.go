package permission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

type recordingPersister struct {
	mu       sync.Mutex
	policies []policy.Policy
	err      error
}

func (p *recordingPersister) PersistAllow(_ context.Context, pol policy.Policy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies = append(p.policies, pol)
	return p.err
}

func (p *recordingPersister) patterns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, pol := range p.policies {
		out = append(out, pol.Pattern())
	}
	return out
}

func testCatalog(t *testing.T) *policy.Catalog {
	t.Helper()
	cat := policy.NewCatalog()
	require.NoError(t, cat.Register(policy.ToolSpec{Name: "Bash", PrimaryArg: "command", Shell: true}))
	require.NoError(t, cat.Register(policy.ToolSpec{Name: "Write", PrimaryArg: "filePath"}))
	return cat
}

// startRequest runs Request in the background and waits until it is pending.
func startRequest(t *testing.T, ctx context.Context, n *Negotiator, callID, tool string, args map[string]any) (<-chan Outcome, string) {
	t.Helper()
	before := len(n.Pending())
	out := make(chan Outcome, 1)
	go func() {
		out <- n.Request(ctx, callID, tool, args, []preview.Block{preview.Command("x", "")})
	}()

	var requestID string
	require.Eventually(t, func() bool {
		for _, req := range n.Pending() {
			if req.ToolCallID == callID {
				requestID = req.RequestID
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Len(t, n.Pending(), before+1)
	return out, requestID
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
		return Outcome{}
	}
}

func TestNegotiator_BlocksUntilAnswered(t *testing.T) {
	store := policy.NewStore(policy.BuiltinDefaults())
	n := NewNegotiator(store)

	out, id := startRequest(t, context.Background(), n, "call-1", "Bash", map[string]any{"command": "make"})

	select {
	case <-out:
		t.Fatal("request resolved without an answer")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, n.Respond(id, AllowOnce))
	outcome := waitOutcome(t, out)

	assert.Equal(t, AllowOnce, outcome.Answer)
	assert.Equal(t, StatusGranted, outcome.Status)
	assert.Equal(t, id, outcome.RequestID)
	assert.False(t, outcome.Canceled)
	assert.Empty(t, n.Pending())
	assert.Equal(t, policy.Ask, store.Check("Bash", nil, nil).Decision, "allow-once must not change policy")
}

func TestNegotiator_AllowAlwaysGrantsSession(t *testing.T) {
	store := policy.NewStore(policy.BuiltinDefaults())
	persister := &recordingPersister{}
	n := NewNegotiator(store, WithPersister(persister))

	out, id := startRequest(t, context.Background(), n, "call-1", "Bash", map[string]any{"command": "make"})
	require.NoError(t, n.Respond(id, AllowAlways))

	outcome := waitOutcome(t, out)
	assert.Equal(t, StatusGranted, outcome.Status)
	assert.Equal(t, "Bash", outcome.Pattern)

	result := store.Check("Bash", map[string]any{"command": "anything"}, nil)
	assert.Equal(t, policy.Allow, result.Decision)
	assert.Equal(t, policy.OriginSession, result.Matched.Origin)
	assert.Equal(t, []string{"Bash"}, persister.patterns())
}

func TestNegotiator_AllowAlwaysWithPattern(t *testing.T) {
	store := policy.NewStore(policy.BuiltinDefaults())
	cat := testCatalog(t)
	n := NewNegotiator(store, WithCatalog(cat))

	out, id := startRequest(t, context.Background(), n, "call-1", "Bash", map[string]any{"command": "git status"})

	req, ok := n.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Bash(git status*)", req.Suggested)

	err := n.RespondWithPattern(id, AllowAlways, "Write")
	require.Error(t, err, "pattern for another tool")
	err = n.RespondWithPattern(id, AllowAlways, "Bash(oops")
	require.True(t, policy.IsConfigError(err))
	require.Len(t, n.Pending(), 1, "a rejected answer leaves the request pending")

	require.NoError(t, n.RespondWithPattern(id, AllowAlways, req.Suggested))
	assert.Equal(t, "Bash(git status*)", waitOutcome(t, out).Pattern)

	assert.Equal(t, policy.Allow, store.Check("Bash", map[string]any{"command": "git status -s"}, cat).Decision)
	assert.Equal(t, policy.Ask, store.Check("Bash", map[string]any{"command": "git push"}, cat).Decision)
}

func TestNegotiator_PersistErrorIsNotSurfaced(t *testing.T) {
	store := policy.NewStore()
	n := NewNegotiator(store, WithPersister(&recordingPersister{err: errors.New("read-only filesystem")}))

	out, id := startRequest(t, context.Background(), n, "call-1", "Write", nil)
	require.NoError(t, n.Respond(id, AllowAlways))
	assert.Equal(t, StatusGranted, waitOutcome(t, out).Status)
	assert.Equal(t, policy.Allow, store.Check("Write", nil, nil).Decision)
}

func TestNegotiator_Deny(t *testing.T) {
	store := policy.NewStore()
	n := NewNegotiator(store)

	out, id := startRequest(t, context.Background(), n, "call-1", "Write", nil)
	require.NoError(t, n.Respond(id, Deny))

	outcome := waitOutcome(t, out)
	assert.Equal(t, Deny, outcome.Answer)
	assert.Equal(t, StatusDenied, outcome.Status)
	assert.False(t, outcome.Canceled)
	assert.Equal(t, uint64(1), store.Generation())
}

func TestNegotiator_RespondIsOneShot(t *testing.T) {
	n := NewNegotiator(policy.NewStore())

	err := n.Respond("missing", AllowOnce)
	assert.ErrorIs(t, err, ErrUnknownRequest)

	out, id := startRequest(t, context.Background(), n, "call-1", "Write", nil)
	require.NoError(t, n.Respond(id, AllowOnce))
	assert.ErrorIs(t, n.Respond(id, Deny), ErrUnknownRequest)
	assert.Equal(t, AllowOnce, waitOutcome(t, out).Answer)

	assert.Error(t, n.Respond(id, Answer("maybe")))
}

func TestNegotiator_CancelTwoPending(t *testing.T) {
	n := NewNegotiator(policy.NewStore())
	ctx, cancel := context.WithCancel(context.Background())

	out1, _ := startRequest(t, ctx, n, "call-1", "Bash", map[string]any{"command": "a"})
	out2, _ := startRequest(t, ctx, n, "call-2", "Bash", map[string]any{"command": "b"})
	require.Len(t, n.Pending(), 2)

	cancel()

	for _, out := range []<-chan Outcome{out1, out2} {
		outcome := waitOutcome(t, out)
		assert.Equal(t, Deny, outcome.Answer)
		assert.True(t, outcome.Canceled)
		assert.Equal(t, StatusCanceled, outcome.Status)
	}
	assert.Empty(t, n.Pending())
}

func TestNegotiator_CancelAll(t *testing.T) {
	n := NewNegotiator(policy.NewStore())

	out1, _ := startRequest(t, context.Background(), n, "call-1", "Bash", nil)
	out2, _ := startRequest(t, context.Background(), n, "call-2", "Write", nil)

	assert.Equal(t, 2, n.CancelAll())
	assert.True(t, waitOutcome(t, out1).Canceled)
	assert.True(t, waitOutcome(t, out2).Canceled)
	assert.Empty(t, n.Pending())
	assert.Equal(t, 0, n.CancelAll())
}

func TestNegotiator_IndependentRequests(t *testing.T) {
	n := NewNegotiator(policy.NewStore())

	out1, id1 := startRequest(t, context.Background(), n, "call-1", "Bash", nil)
	out2, id2 := startRequest(t, context.Background(), n, "call-2", "Bash", nil)
	assert.NotEqual(t, id1, id2)

	pending := n.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "call-1", pending[0].ToolCallID, "oldest first")

	require.NoError(t, n.Respond(id2, Deny))
	assert.Equal(t, StatusDenied, waitOutcome(t, out2).Status)

	select {
	case <-out1:
		t.Fatal("answering one request resolved another")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, n.Respond(id1, AllowOnce))
	assert.Equal(t, StatusGranted, waitOutcome(t, out1).Status)
}

func TestNegotiator_PublishesEvents(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	n := NewNegotiator(policy.NewStore(), WithBus(bus))

	var mu sync.Mutex
	var types []event.EventType
	var resolved ResolvedData
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if data, ok := e.Data.(ResolvedData); ok {
			resolved = data
		}
	})

	// answer straight from the requested event, the way a UI callback would
	bus.Subscribe(event.PermissionRequested, func(e event.Event) {
		req := e.Data.(Request)
		go func() { _ = n.Respond(req.RequestID, Deny) }()
	})

	outcome := n.Request(context.Background(), "call-9", "Write", map[string]any{"filePath": "a"}, nil)
	assert.Equal(t, StatusDenied, outcome.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.EventType{event.PermissionRequested, event.PermissionResolved}, types)
	assert.Equal(t, "call-9", resolved.ToolCallID)
	assert.Equal(t, StatusDenied, resolved.Status)
}

func TestNegotiator_AnswerBeatsSimultaneousCancel(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	store := policy.NewStore(policy.BuiltinDefaults())
	persister := &recordingPersister{}
	n := NewNegotiator(store, WithBus(bus), WithPersister(persister))

	for i := range 20 {
		ctx, cancel := context.WithCancel(context.Background())
		// both the answer and the cancellation are ready before Request waits
		unsub := bus.Subscribe(event.PermissionRequested, func(e event.Event) {
			req := e.Data.(Request)
			cancel()
			require.NoError(t, n.Respond(req.RequestID, AllowAlways))
		})

		outcome := n.Request(ctx, "call", "Write", map[string]any{"filePath": "a"}, nil)
		unsub()
		cancel()

		assert.Equal(t, StatusGranted, outcome.Status, "round %d", i)
		assert.False(t, outcome.Canceled, "round %d", i)
	}
	assert.Len(t, persister.patterns(), 20)
	assert.Empty(t, n.Pending())
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		input    string
		expected Answer
	}{
		{"allow-once", AllowOnce},
		{"once", AllowOnce},
		{"ALLOW-ALWAYS", AllowAlways},
		{"always", AllowAlways},
		{"deny", Deny},
		{"reject", Deny},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAnswer(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := ParseAnswer("sure")
	assert.Error(t, err)
}
