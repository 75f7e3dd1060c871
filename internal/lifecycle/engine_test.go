package lifecycle_test

import (
	"context"
	"sync"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

var _ = Describe("Engine", func() {
	var (
		f   *fixture
		ctx context.Context
	)

	BeforeEach(func() {
		f = newFixture()
		ctx = context.Background()
	})

	Describe("allowed calls", func() {
		It("runs straight to done", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Echo", Arguments: map[string]any{"x": 1}})
			snap := finish(call)

			Expect(snap.State).To(Equal(lifecycle.StateDone))
			Expect(snap.Output).To(Equal(`{"x":1}`))
			Expect(snap.Title).To(Equal("echo"))
			Expect(snap.Decision).To(Equal(policy.Allow))
			Expect(snap.MatchedPolicy).To(Equal("Echo=allow"))
			Expect(f.statesOf("c1")).To(Equal([]lifecycle.State{
				lifecycle.StateGenerated, lifecycle.StateCalling, lifecycle.StateDone,
			}))
		})

		It("canonicalizes aliases before checking policy", func() {
			snap := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "echo"}))
			Expect(snap.ToolName).To(Equal("Echo"))
			Expect(snap.State).To(Equal(lifecycle.StateDone))
		})

		It("assigns an ID when the model omits one", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ToolName: "Echo"})
			Expect(call.ID()).NotTo(BeEmpty())
			finish(call)
			got, ok := f.engine.Get(call.ID())
			Expect(ok).To(BeTrue())
			Expect(got).To(BeIdenticalTo(call))
		})
	})

	Describe("excluded calls", func() {
		It("errors without running the tool", func() {
			snap := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Secret"}))

			Expect(snap.State).To(Equal(lifecycle.StateErrored))
			Expect(snap.Error).To(Equal("Permission denied by policy Secret"))
			Expect(snap.Output).To(BeEmpty())
			Expect(snap.Decision).To(Equal(policy.Exclude))
			Expect(f.statesOf("c1")).To(Equal([]lifecycle.State{
				lifecycle.StateGenerated, lifecycle.StateErrored,
			}))
		})
	})

	Describe("calls that ask", func() {
		It("runs after allow-once", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			req := f.pendingFor("c1")
			Expect(req.ToolName).To(Equal("Shell"))
			Expect(req.Preview).NotTo(BeEmpty(), "request carries a preview")
			Expect(call.State()).To(Equal(lifecycle.StateAwaitingPermission))

			Expect(f.negotiator.Respond(req.RequestID, permission.AllowOnce)).To(Succeed())
			snap := finish(call)

			Expect(snap.State).To(Equal(lifecycle.StateDone))
			Expect(snap.PermissionRequestID).To(Equal(req.RequestID))
			Expect(f.statesOf("c1")).To(Equal([]lifecycle.State{
				lifecycle.StateGenerated, lifecycle.StateAwaitingPermission, lifecycle.StateCalling, lifecycle.StateDone,
			}))

			// allow-once grants nothing beyond this call
			next := f.engine.Submit(ctx, lifecycle.Request{ID: "c2", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			f.answer("c2", permission.Deny)
			finish(next)
		})

		It("previews a shell call as its command line", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "make test"}})
			req := f.pendingFor("c1")
			Expect(req.Preview).To(HaveLen(1))
			Expect(req.Preview[0].Kind).To(Equal(preview.KindCommand))
			Expect(req.Preview[0].Content).To(Equal("make test"))

			Expect(f.negotiator.Respond(req.RequestID, permission.Deny)).To(Succeed())
			finish(call)
		})

		It("previews other calls as their arguments", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Note", Arguments: map[string]any{"text": "hi"}})
			req := f.pendingFor("c1")
			Expect(req.Preview).To(HaveLen(1))
			Expect(req.Preview[0].Kind).To(Equal(preview.KindText))
			Expect(req.Preview[0].Title).To(Equal("Note"))
			Expect(req.Preview[0].Content).To(MatchJSON(`{"text":"hi"}`))

			Expect(f.negotiator.Respond(req.RequestID, permission.AllowOnce)).To(Succeed())
			Expect(finish(call).Output).To(Equal("noted"))
		})

		It("errors after deny", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "rm -rf /"}})
			f.answer("c1", permission.Deny)
			snap := finish(call)

			Expect(snap.State).To(Equal(lifecycle.StateErrored))
			Expect(snap.Error).To(Equal("Permission denied by user"))
		})

		It("stops asking after allow-always", func() {
			first := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			f.answer("c1", permission.AllowAlways)
			Expect(finish(first).State).To(Equal(lifecycle.StateDone))

			second := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c2", ToolName: "Shell", Arguments: map[string]any{"command": "pwd"}}))
			Expect(second.State).To(Equal(lifecycle.StateDone))
			Expect(second.Decision).To(Equal(policy.Allow))
			Expect(second.PermissionRequestID).To(BeEmpty())
			Expect(f.negotiator.Pending()).To(BeEmpty())
		})

		It("suggests a pattern narrowed to the command", func() {
			call := f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			req := f.pendingFor("c1")
			Expect(req.Suggested).To(Equal("Shell(ls*)"))
			f.answer("c1", permission.Deny)
			finish(call)
		})

		It("is canceled when the caller's context is", func() {
			cctx, cancel := context.WithCancel(ctx)
			call := f.engine.Submit(cctx, lifecycle.Request{ID: "c1", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			f.pendingFor("c1")
			cancel()

			snap := finish(call)
			Expect(snap.State).To(Equal(lifecycle.StateCanceled))
			Eventually(f.negotiator.Pending).Should(BeEmpty())
		})
	})

	Describe("Interrupt", func() {
		It("cancels waiting and running calls and ignores later transitions", func() {
			waiting := f.engine.Submit(ctx, lifecycle.Request{ID: "wait", ToolName: "Shell", Arguments: map[string]any{"command": "ls"}})
			running := f.engine.Submit(ctx, lifecycle.Request{ID: "run", ToolName: "Block"})
			f.pendingFor("wait")
			Eventually(running.State).Should(Equal(lifecycle.StateCalling))

			Expect(f.engine.Interrupt()).To(Equal(2))

			Expect(finish(waiting).State).To(Equal(lifecycle.StateCanceled))
			Expect(finish(running).State).To(Equal(lifecycle.StateCanceled))
			Expect(running.Snapshot().Error).To(Equal("Interrupted by user"))
			Expect(f.negotiator.Pending()).To(BeEmpty())

			Consistently(func() []lifecycle.State { return f.statesOf("run") }, 100*time.Millisecond).
				Should(Equal([]lifecycle.State{lifecycle.StateGenerated, lifecycle.StateCalling, lifecycle.StateCanceled}))
			Consistently(func() []lifecycle.State { return f.statesOf("wait") }, 100*time.Millisecond).
				Should(Equal([]lifecycle.State{lifecycle.StateGenerated, lifecycle.StateAwaitingPermission, lifecycle.StateCanceled}))
		})

		It("leaves finished calls alone", func() {
			finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Echo"}))
			Expect(f.engine.Interrupt()).To(Equal(0))
			snap, ok := f.engine.Get("c1")
			Expect(ok).To(BeTrue())
			Expect(snap.State()).To(Equal(lifecycle.StateDone))
		})
	})

	Describe("failures", func() {
		It("suggests a tool for an unknown name", func() {
			snap := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Ech"}))
			Expect(snap.State).To(Equal(lifecycle.StateErrored))
			Expect(snap.Error).To(Equal(`unknown tool "Ech", did you mean "Echo"?`))
		})

		It("recovers a panicking tool", func() {
			snap := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Boom"}))
			Expect(snap.State).To(Equal(lifecycle.StateErrored))
			Expect(snap.Error).To(ContainSubstring("kaboom"))
		})

		It("reports error results as errored with their output", func() {
			snap := finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Fail"}))
			Expect(snap.State).To(Equal(lifecycle.StateErrored))
			Expect(snap.Output).To(Equal("file not found"))
			Expect(snap.Error).To(Equal("file not found"))
		})

		It("errors on arguments that do not decode", func() {
			req := lifecycle.FromEino(schema.ToolCall{
				ID:       "c1",
				Function: schema.FunctionCall{Name: "echo", Arguments: `{"x":`},
			}, f.registry.Catalog())

			snaps := f.engine.RunBatch(ctx, []lifecycle.Request{req})
			Expect(snaps).To(HaveLen(1))
			Expect(snaps[0].ToolName).To(Equal("Echo"))
			Expect(snaps[0].State).To(Equal(lifecycle.StateErrored))
			Expect(snaps[0].Error).To(HavePrefix("invalid arguments"))
		})
	})

	Describe("RunBatch", func() {
		It("returns snapshots in request order", func() {
			reqs := []lifecycle.Request{
				{ID: "a", ToolName: "Echo", Arguments: map[string]any{"n": 1}},
				{ID: "b", ToolName: "Secret"},
				{ID: "c", ToolName: "Fail"},
				{ID: "d", ToolName: "Echo", Arguments: map[string]any{"n": 2}},
			}
			snaps := f.engine.RunBatch(ctx, reqs)

			Expect(snaps).To(HaveLen(4))
			for i, snap := range snaps {
				Expect(snap.ID).To(Equal(reqs[i].ID))
				Expect(snap.Terminal()).To(BeTrue())
			}
			Expect(snaps[0].Output).To(Equal(`{"n":1}`))
			Expect(snaps[1].State).To(Equal(lifecycle.StateErrored))
			Expect(snaps[3].Output).To(Equal(`{"n":2}`))

			ids := []string{}
			for _, s := range f.engine.Calls() {
				ids = append(ids, s.ID)
			}
			Expect(ids).To(Equal([]string{"a", "b", "c", "d"}))
		})

		It("renders results as tool messages", func() {
			snaps := f.engine.RunBatch(ctx, []lifecycle.Request{
				{ID: "a", ToolName: "Echo"},
				{ID: "b", ToolName: "Secret"},
			})
			msgs := lifecycle.ToolMessages(snaps)
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Role).To(Equal(schema.Tool))
			Expect(msgs[0].ToolCallID).To(Equal("a"))
			Expect(msgs[0].Content).To(Equal("{}"))
			Expect(msgs[1].Content).To(Equal("Error: Permission denied by policy Secret"))
		})
	})

	Describe("repeat guard", func() {
		BeforeEach(func() {
			f = newFixture(lifecycle.WithRepeatGuard(3))
		})

		It("asks before the third identical call", func() {
			args := map[string]any{"q": "same"}
			Expect(finish(f.engine.Submit(ctx, lifecycle.Request{ID: "1", ToolName: "Echo", Arguments: args})).State).To(Equal(lifecycle.StateDone))
			Expect(finish(f.engine.Submit(ctx, lifecycle.Request{ID: "2", ToolName: "Echo", Arguments: args})).State).To(Equal(lifecycle.StateDone))

			third := f.engine.Submit(ctx, lifecycle.Request{ID: "3", ToolName: "Echo", Arguments: args})
			req := f.pendingFor("3")
			Expect(req.Preview).NotTo(BeEmpty())
			Expect(f.negotiator.Respond(req.RequestID, permission.AllowOnce)).To(Succeed())

			snap := finish(third)
			Expect(snap.State).To(Equal(lifecycle.StateDone))
			Expect(snap.Decision).To(Equal(policy.Ask))

			// granting resets the run
			Expect(finish(f.engine.Submit(ctx, lifecycle.Request{ID: "4", ToolName: "Echo", Arguments: args})).State).To(Equal(lifecycle.StateDone))
		})
	})

	Describe("bus", func() {
		It("publishes every state as toolcall.updated", func() {
			bus := event.NewBus()
			DeferCleanup(bus.Close)
			f = newFixture(lifecycle.WithBus(bus))

			var (
				mu     sync.Mutex
				states []lifecycle.State
			)
			unsubscribe := bus.Subscribe(event.ToolCallUpdated, func(e event.Event) {
				snap := e.Data.(lifecycle.Snapshot)
				mu.Lock()
				states = append(states, snap.State)
				mu.Unlock()
			})
			DeferCleanup(unsubscribe)

			finish(f.engine.Submit(ctx, lifecycle.Request{ID: "c1", ToolName: "Echo"}))
			mu.Lock()
			defer mu.Unlock()
			Expect(states).To(Equal([]lifecycle.State{
				lifecycle.StateGenerated, lifecycle.StateCalling, lifecycle.StateDone,
			}))
		})
	})

	Describe("EinoTools", func() {
		invokable := func(name string) einotool.InvokableTool {
			for _, t := range f.engine.EinoTools() {
				info, err := t.Info(ctx)
				Expect(err).NotTo(HaveOccurred())
				if info.Name == name {
					return t.(einotool.InvokableTool)
				}
			}
			Fail("no eino tool " + name)
			return nil
		}

		It("describes every registered tool", func() {
			Expect(f.engine.EinoTools()).To(HaveLen(7))
		})

		It("runs allowed calls through the engine", func() {
			out, err := invokable("Echo").InvokableRun(ctx, `{"q":"hi"}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(`{"q":"hi"}`))

			calls := f.engine.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].MatchedPolicy).To(Equal("Echo=allow"))
		})

		It("reports refusals as text", func() {
			out, err := invokable("Secret").InvokableRun(ctx, `{}`)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("Error: Permission denied by policy Secret"))
		})

		It("waits for the operator when policy asks", func() {
			done := make(chan string, 1)
			go func() {
				defer GinkgoRecover()
				out, err := invokable("Shell").InvokableRun(ctx, `{"command":"ls"}`)
				Expect(err).NotTo(HaveOccurred())
				done <- out
			}()

			var req permission.Request
			Eventually(func() []permission.Request { return f.negotiator.Pending() }).Should(HaveLen(1))
			req = f.negotiator.Pending()[0]
			Expect(req.ToolName).To(Equal("Shell"))
			Expect(f.negotiator.Respond(req.RequestID, permission.AllowOnce)).To(Succeed())

			Eventually(done).Should(Receive(Equal(`ran {"command":"ls"}`)))
		})
	})
})
