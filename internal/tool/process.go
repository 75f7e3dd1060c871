package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/toolgate/internal/jobs"
	"github.com/opencode-ai/toolgate/internal/policy"
	"github.com/opencode-ai/toolgate/internal/preview"
)

// defaultOutputTail is how many lines ReadOutput returns by default.
const defaultOutputTail = 200

// ListProcessesTool lists background processes started by Bash.
type ListProcessesTool struct {
	jobs *jobs.Registry
}

// NewListProcessesTool creates a new process listing tool.
func NewListProcessesTool(r *jobs.Registry) *ListProcessesTool {
	return &ListProcessesTool{jobs: r}
}

func (t *ListProcessesTool) ID() string { return "ListProcesses" }
func (t *ListProcessesTool) Description() string {
	return "Lists background processes started with run_in_background, with their status and exit codes."
}

func (t *ListProcessesTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{Name: "ListProcesses", ReadOnly: true, Aliases: []string{"list_processes"}}
}

func (t *ListProcessesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListProcessesTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	list := t.jobs.List()
	if len(list) == 0 {
		return &Result{Title: "No processes", Output: "No background processes."}, nil
	}

	var sb strings.Builder
	running := 0
	for _, job := range list {
		sb.WriteString(formatJob(job))
		sb.WriteString("\n")
		if job.Status == jobs.StatusRunning {
			running++
		}
	}

	return &Result{
		Title:  fmt.Sprintf("%d processes (%d running)", len(list), running),
		Output: sb.String(),
		Metadata: map[string]any{
			"count":   len(list),
			"running": running,
		},
	}, nil
}

func formatJob(job jobs.Snapshot) string {
	status := string(job.Status)
	if job.ExitCode != nil {
		status = fmt.Sprintf("%s (code %d)", status, *job.ExitCode)
	}
	line := fmt.Sprintf("%s  pid %d  %s  started %s  %s",
		job.ID, job.PID, status, job.StartTime.Format(time.TimeOnly), job.Command)
	if job.Description != "" {
		line += "  # " + job.Description
	}
	return line
}

// jobInput is the input of the tools addressing a single process.
type jobInput struct {
	JobID string `json:"jobId"`
	// Tail limits ReadOutput to the last lines of output.
	Tail int `json:"tail,omitempty"`
}

func parseJobInput(input json.RawMessage) (jobInput, error) {
	var params jobInput
	if err := json.Unmarshal(input, &params); err != nil {
		return params, fmt.Errorf("invalid input: %w", err)
	}
	if params.JobID == "" {
		return params, errors.New("jobId is required")
	}
	return params, nil
}

// KillProcessTool terminates a background process.
type KillProcessTool struct {
	jobs *jobs.Registry
}

// NewKillProcessTool creates a new process kill tool.
func NewKillProcessTool(r *jobs.Registry) *KillProcessTool {
	return &KillProcessTool{jobs: r}
}

func (t *KillProcessTool) ID() string { return "KillProcess" }
func (t *KillProcessTool) Description() string {
	return "Terminates a background process and its children. The process gets a grace period to exit before it is killed."
}

func (t *KillProcessTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{Name: "KillProcess", PrimaryArg: "jobId", Aliases: []string{"kill_process"}}
}

func (t *KillProcessTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"jobId": {
				"type": "string",
				"description": "The job ID returned when the process was started"
			}
		},
		"required": ["jobId"]
	}`)
}

// Preview names the process that would be terminated.
func (t *KillProcessTool) Preview(input json.RawMessage, toolCtx *Context) []preview.Block {
	params, err := parseJobInput(input)
	if err != nil {
		return nil
	}
	job, ok := t.jobs.Get(params.JobID)
	if !ok {
		return []preview.Block{preview.Text("process", fmt.Sprintf("unknown job %s", params.JobID))}
	}
	snap := job.Snapshot()
	return []preview.Block{preview.Command(snap.Command, "")}
}

func (t *KillProcessTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := parseJobInput(input)
	if err != nil {
		return nil, err
	}

	res := t.jobs.Kill(params.JobID)
	return &Result{
		Title:   fmt.Sprintf("Kill %s", params.JobID),
		Output:  res.Message,
		IsError: !res.Success,
	}, nil
}

// ReadOutputTool returns the output of a background process.
type ReadOutputTool struct {
	jobs *jobs.Registry
}

// NewReadOutputTool creates a new process output tool.
func NewReadOutputTool(r *jobs.Registry) *ReadOutputTool {
	return &ReadOutputTool{jobs: r}
}

func (t *ReadOutputTool) ID() string { return "ReadOutput" }
func (t *ReadOutputTool) Description() string {
	return "Reads the combined stdout and stderr of a background process. Returns the last 200 lines unless tail is given."
}

func (t *ReadOutputTool) Spec() policy.ToolSpec {
	return policy.ToolSpec{Name: "ReadOutput", PrimaryArg: "jobId", ReadOnly: true, Aliases: []string{"read_output"}}
}

func (t *ReadOutputTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"jobId": {
				"type": "string",
				"description": "The job ID returned when the process was started"
			},
			"tail": {
				"type": "integer",
				"description": "Number of trailing lines to return (default: 200)"
			}
		},
		"required": ["jobId"]
	}`)
}

func (t *ReadOutputTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := parseJobInput(input)
	if err != nil {
		return nil, err
	}
	job, ok := t.jobs.Get(params.JobID)
	if !ok {
		return &Result{Title: "ReadOutput", Output: fmt.Sprintf("job %s not found", params.JobID), IsError: true}, nil
	}

	tail := params.Tail
	if tail <= 0 {
		tail = defaultOutputTail
	}
	output := job.Output().Tail(tail)
	if output == "" {
		output = "(no output yet)"
	}

	snap := job.Snapshot()
	metadata := map[string]any{
		"status": snap.Status,
		"bytes":  job.Output().Len(),
	}
	if snap.ExitCode != nil {
		metadata["exitCode"] = *snap.ExitCode
	}

	return &Result{
		Title:    fmt.Sprintf("Output of %s (%s)", params.JobID, snap.Status),
		Output:   output,
		Metadata: metadata,
	}, nil
}
