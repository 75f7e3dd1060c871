package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/lifecycle"
	"github.com/opencode-ai/toolgate/internal/permission"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

var (
	dim    = color.New(color.FgHiBlack)
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func decisionColor(d policy.Decision) *color.Color {
	switch d {
	case policy.Allow:
		return green
	case policy.Exclude:
		return red
	default:
		return yellow
	}
}

func stateColor(s lifecycle.State) *color.Color {
	switch s {
	case lifecycle.StateDone:
		return green
	case lifecycle.StateErrored:
		return red
	case lifecycle.StateCanceled:
		return yellow
	default:
		return cyan
	}
}

func jobStatusColor(s jobs.Status) *color.Color {
	if s == jobs.StatusRunning {
		return cyan
	}
	return dim
}

// renderSnapshot prints a terminal call with its output.
func renderSnapshot(w io.Writer, snap lifecycle.Snapshot) {
	fmt.Fprintf(w, "%s %s %s",
		yellow.Sprintf("→ %s", snap.ToolName),
		dim.Sprintf("(%s)", snap.ID),
		stateColor(snap.State).Sprint(snap.State))
	if snap.MatchedPolicy != "" {
		fmt.Fprintf(w, " %s", dim.Sprintf("[%s]", snap.MatchedPolicy))
	}
	fmt.Fprintln(w)

	if snap.Title != "" {
		fmt.Fprintf(w, "  %s\n", bold.Sprint(snap.Title))
	}
	if snap.Error != "" {
		fmt.Fprintln(w, red.Sprintf("  error: %s", snap.Error))
	}
	if snap.Output != "" && snap.Output != snap.Error {
		fmt.Fprintln(w, indent(snap.Output, "  "))
	}
}

// printWaiting tells the operator a call waits for an answer over HTTP.
func printWaiting(w io.Writer, req permission.Request, addr string) {
	fmt.Fprintln(w, yellow.Sprintf("? %s (%s) needs permission", req.ToolName, req.ToolCallID))
	for _, block := range req.Preview {
		renderBlock(w, block)
	}
	if req.Suggested != "" {
		fmt.Fprintln(w, dim.Sprintf("  allow-always would grant %s", req.Suggested))
	}
	fmt.Fprintln(w, dim.Sprintf("  answer with: curl -X POST http://%s/permission/%s -d '{\"decision\":\"allow-once\"}'", addr, req.RequestID))
}

func renderBlock(w io.Writer, block preview.Block) {
	if block.Title != "" {
		fmt.Fprintf(w, "  %s\n", bold.Sprint(block.Title))
	}
	if block.Kind != preview.KindDiff {
		fmt.Fprintln(w, indent(block.Content, "    "))
		return
	}
	for _, line := range strings.Split(block.Content, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(w, "    "+green.Sprint(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(w, "    "+red.Sprint(line))
		default:
			fmt.Fprintln(w, "    "+line)
		}
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
