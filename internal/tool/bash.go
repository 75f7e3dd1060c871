package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

const (
	DefaultBashTimeout = 120 * time.Second
	MaxBashTimeout     = 10 * time.Minute
	MaxOutputLength    = 30000
	// SigkillTimeout is how long a canceled command may take to exit
	// before its pipes are closed.
	SigkillTimeout = 200 * time.Millisecond
)

const bashDescription = `Executes a shell command.

Usage:
- Command is required
- Optional timeout in milliseconds (max 600000)
- Provide a brief description of what the command does
- Output is captured from stdout and stderr
- Set run_in_background to start a long-running process (a dev server, a
  watcher) and return immediately; use ListProcesses, ReadOutput and
  KillProcess to manage it`

// BashTool implements shell command execution.
type BashTool struct {
	workDir string
	shell   string
	jobs    *jobs.Registry
}

// BashInput represents the input for the bash tool.
type BashInput struct {
	Command         string `json:"command"`
	Timeout         int    `json:"timeout,omitempty"` // milliseconds
	Description     string `json:"description"`
	RunInBackground bool   `json:"run_in_background,omitempty"`
}

// NewBashTool creates a new bash tool. Background runs need a job registry.
func NewBashTool(workDir string, jobRegistry *jobs.Registry) *BashTool {
	return &BashTool{
		workDir: workDir,
		shell:   jobs.DetectShell(),
		jobs:    jobRegistry,
	}
}

func (t *BashTool) ID() string          { return "Bash" }
func (t *BashTool) Description() string { return bashDescription }

func (t *BashTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{
		Name:       "Bash",
		PrimaryArg: "command",
		Shell:      true,
		Aliases:    []string{"bash", "shell"},
	}
}

func (t *BashTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"description": "The command to execute"
			},
			"timeout": {
				"type": "integer",
				"description": "Optional timeout in milliseconds (max 600000)"
			},
			"description": {
				"type": "string",
				"description": "Brief description of what this command does"
			},
			"run_in_background": {
				"type": "boolean",
				"description": "Start the command as a background process and return its job ID"
			}
		},
		"required": ["command", "description"]
	}`)
}

// Preview shows the command line and where it would run.
func (t *BashTool) Preview(input json.RawMessage, toolCtx *Context) []preview.Block {
	var params BashInput
	if err := json.Unmarshal(input, &params); err != nil || params.Command == "" {
		return nil
	}
	blocks := []preview.Block{preview.Command(params.Command, workDir(toolCtx, t.workDir))}
	if params.RunInBackground {
		blocks = append(blocks, preview.Text("background", "runs as a background process"))
	}
	return blocks
}

func (t *BashTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params BashInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Command == "" {
		return nil, errors.New("command is required")
	}

	dir := workDir(toolCtx, t.workDir)
	if params.RunInBackground {
		return t.launch(params, dir)
	}

	// Calculate timeout
	timeout := DefaultBashTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
		if timeout > MaxBashTimeout {
			timeout = MaxBashTimeout
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.shell, "-c", params.Command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	// Process group so cancellation reaches every child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = SigkillTimeout

	toolCtx.SetMetadata(params.Description, map[string]any{
		"output":      "",
		"description": params.Description,
	})

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	timedOut := errors.Is(cmdCtx.Err(), context.DeadlineExceeded)

	result := string(output)
	if len(result) > MaxOutputLength {
		result = truncateUTF8(result, MaxOutputLength) + "\n\n(Output truncated)"
	}
	if timedOut {
		result += fmt.Sprintf("\n\n(Command timed out after %v)", timeout)
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	title := params.Description
	if title == "" {
		title = "Run command"
	}

	return &Result{
		Title:  title,
		Output: result,
		Metadata: map[string]any{
			"exit":        exitCode,
			"description": params.Description,
			"timedOut":    timedOut,
		},
	}, nil
}

func (t *BashTool) launch(params BashInput, dir string) (*Result, error) {
	if t.jobs == nil {
		return nil, errors.New("background processes are not available")
	}

	res := t.jobs.Launch(params.Command, jobs.SpawnOptions{Dir: dir, Description: params.Description})
	if !res.Success {
		return &Result{Title: "Background process", Output: res.Message, IsError: true}, nil
	}

	return &Result{
		Title:  fmt.Sprintf("Started %s", res.Job.ID),
		Output: fmt.Sprintf("%s\nUse ReadOutput with jobId %q to see its output.", res.Message, res.Job.ID),
		Metadata: map[string]any{
			"jobId": res.Job.ID,
			"pid":   res.Job.PID,
		},
	}, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
