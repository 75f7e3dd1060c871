package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/logging"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/server"
)

const (
	onAskWait = "wait"

	formatText     = "text"
	formatJSON     = "json"
	formatMessages = "messages"
)

var (
	runInput  string
	runOnAsk  string
	runListen string
	runFormat string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run tool calls read as JSON lines",
	Long: `Run tool calls read from --input (or stdin), one batch per line.

A line is either a single call:

  {"id": "1", "toolName": "Read", "arguments": {"filePath": "go.mod"}}

or an assistant message whose tool calls form one batch:

  {"role": "assistant", "tool_calls": [{"id": "1", "function": {"name": "Read", "arguments": "{\"filePath\":\"go.mod\"}"}}]}

Calls of a batch run concurrently; results are printed in the order the
calls appear. --on-ask decides what happens when a policy asks: deny,
allow-once or allow-always answer automatically, wait serves the HTTP API
on --listen until an operator answers.

Examples:
  toolgate run --input calls.jsonl
  toolgate run --allow 'Bash(go test*)' --on-ask deny < calls.jsonl
  toolgate run --on-ask wait --listen 127.0.0.1:4096 --format json`,
	RunE: runCalls,
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "File to read tool calls from (default stdin)")
	runCmd.Flags().StringVar(&runOnAsk, "on-ask", string(permission.Deny), "Answer when a policy asks (deny|allow-once|allow-always|wait)")
	runCmd.Flags().StringVar(&runListen, "listen", "", "Address to serve the HTTP API on, required by --on-ask wait")
	runCmd.Flags().StringVar(&runFormat, "format", formatText, "Output format (text|json|messages)")
}

// runLine is one input line: a single call or an assistant message.
type runLine struct {
	lifecycle.Request
	ToolCalls []schema.ToolCall `json:"tool_calls,omitempty"`
}

func runCalls(cmd *cobra.Command, args []string) error {
	switch runFormat {
	case formatText, formatJSON, formatMessages:
	default:
		return fmt.Errorf("unknown format %q", runFormat)
	}
	if runOnAsk == onAskWait && runListen == "" {
		return fmt.Errorf("--on-ask wait requires --listen")
	}
	var answer permission.Answer
	if runOnAsk != onAskWait {
		a, err := permission.ParseAnswer(runOnAsk)
		if err != nil {
			return fmt.Errorf("--on-ask: %w", err)
		}
		answer = a
	}

	in := io.Reader(cmd.InOrStdin())
	if runInput != "" && runInput != "-" {
		f, err := os.Open(runInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := startApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	engine, err := a.Engine(ctx)
	if err != nil {
		return err
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return err
	}
	svc, err := a.ServerServices(ctx)
	if err != nil {
		return err
	}

	if runOnAsk == onAskWait {
		cfg := server.DefaultConfig()
		cfg.Addr = runListen
		srv, err := startServer(ctx, a, cfg)
		if err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
		unsub := svc.Bus.Subscribe(event.PermissionRequested, func(ev event.Event) {
			if req, ok := ev.Data.(permission.Request); ok {
				printWaiting(cmd.ErrOrStderr(), req, runListen)
			}
		})
		defer unsub()
	} else {
		unsub := svc.Bus.Subscribe(event.PermissionRequested, func(ev event.Event) {
			req, ok := ev.Data.(permission.Request)
			if !ok {
				return
			}
			go func() {
				if err := svc.Negotiator.Respond(req.RequestID, answer); err != nil {
					logging.Warn().Err(err).Str("requestID", req.RequestID).Msg("Failed to answer permission request")
				}
			}()
		})
		defer unsub()
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		reqs, err := parseRunLine(raw, cat)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		snaps := engine.RunBatch(ctx, reqs)
		if err := printResults(out, snaps); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func parseRunLine(raw string, cat *policy.Catalog) ([]lifecycle.Request, error) {
	var line runLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(line.ToolCalls) > 0 {
		msg := &schema.Message{Role: schema.Assistant, ToolCalls: line.ToolCalls}
		return lifecycle.FromMessage(msg, cat), nil
	}
	if line.ToolName == "" {
		return nil, fmt.Errorf("toolName or tool_calls is required")
	}
	return []lifecycle.Request{line.Request}, nil
}

func printResults(w io.Writer, snaps []lifecycle.Snapshot) error {
	switch runFormat {
	case formatJSON:
		enc := json.NewEncoder(w)
		for _, snap := range snaps {
			if err := enc.Encode(snap); err != nil {
				return err
			}
		}
	case formatMessages:
		enc := json.NewEncoder(w)
		for _, msg := range lifecycle.ToolMessages(snaps) {
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	default:
		for _, snap := range snaps {
			renderSnapshot(w, snap)
		}
	}
	return nil
}
