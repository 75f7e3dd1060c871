// Package jobs tracks processes started by tools that outlive the tool call
// which launched them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/toolgate/internal/event"
	"github.com/opencode-ai/toolgate/internal/logging"
)

const (
	// DefaultGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
	DefaultGracePeriod = 3 * time.Second
	// KilledExitCode is recorded when a process never confirmed its exit.
	KilledExitCode = 128 + int(syscall.SIGKILL)
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// SpawnOptions configures how a job's process is started.
type SpawnOptions struct {
	// Dir is the working directory. Empty uses the current directory.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// Description is a short human label.
	Description string
}

// Snapshot is a read-only copy of a job's state.
type Snapshot struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Description string     `json:"description,omitempty"`
	PID         int        `json:"pid,omitempty"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// Result reports the outcome of a registry operation. Failures are values,
// never errors.
type Result struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Job     *Snapshot `json:"job,omitempty"`
}

// Job is one background process.
type Job struct {
	mu          sync.RWMutex
	id          string
	command     string
	description string
	pid         int
	status      Status
	startTime   time.Time
	endTime     time.Time
	exitCode    int
	killing     bool

	output *Buffer
	done   chan struct{}
}

// ID returns the job ID.
func (j *Job) ID() string { return j.id }

// Output returns the job's output buffer.
func (j *Job) Output() *Buffer { return j.output }

// Done is closed once the job has exited.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a consistent copy of the job's state, output included.
func (j *Job) Snapshot() Snapshot {
	snap := j.info()
	snap.Output = j.output.String()
	return snap
}

// info returns the job state without output.
func (j *Job) info() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := Snapshot{
		ID:          j.id,
		Command:     j.command,
		Description: j.description,
		PID:         j.pid,
		Status:      j.status,
		StartTime:   j.startTime,
	}
	if j.status == StatusExited {
		end, code := j.endTime, j.exitCode
		snap.EndTime = &end
		snap.ExitCode = &code
	}
	return snap
}

// markExited records the exit once; later calls are ignored.
func (j *Job) markExited(code int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusExited {
		return false
	}
	j.status = StatusExited
	j.endTime = time.Now()
	j.exitCode = code
	close(j.done)
	return true
}

// Registry owns every background job of the process.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	bus   *event.Bus
	shell string
	grace time.Duration
	log   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes job.started and job.exited events on bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithGracePeriod sets the delay between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithShell sets the shell used to run commands.
func WithShell(shell string) Option {
	return func(r *Registry) {
		if shell != "" {
			r.shell = shell
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:  make(map[string]*Job),
		shell: DetectShell(),
		grace: DefaultGracePeriod,
		log:   logging.Component("jobs"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Launch starts command in its own process group, detached from any caller
// context, and registers it.
func (r *Registry) Launch(command string, opts SpawnOptions) Result {
	if command == "" {
		return Result{Success: false, Message: "command is required"}
	}

	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	job := &Job{
		id:          ulid.Make().String(),
		command:     command,
		description: opts.Description,
		status:      StatusRunning,
		output:      &Buffer{},
		done:        make(chan struct{}),
	}
	cmd.Stdout = job.output
	cmd.Stderr = job.output

	if err := cmd.Start(); err != nil {
		r.log.Warn().Err(err).Str("command", command).Msg("Failed to start background job")
		return Result{Success: false, Message: fmt.Sprintf("failed to start: %v", err)}
	}

	job.mu.Lock()
	job.pid = cmd.Process.Pid
	job.startTime = time.Now()
	job.mu.Unlock()

	r.mu.Lock()
	r.jobs[job.id] = job
	r.mu.Unlock()

	go r.wait(job, cmd)

	snap := job.info()
	r.log.Info().Str("job", job.id).Int("pid", snap.PID).Str("command", command).Msg("Background job started")
	r.publish(event.JobStarted, snap)
	return Result{Success: true, Message: fmt.Sprintf("started job %s (pid %d)", job.id, snap.PID), Job: &snap}
}

func (r *Registry) wait(job *Job, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := exitCode(cmd, err)
	if job.markExited(code) {
		r.log.Info().Str("job", job.id).Int("exitCode", code).Msg("Background job exited")
		r.publish(event.JobExited, job.info())
	}
}

// exitCode maps a wait result to a shell-style exit code: signals become
// 128+signal.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Get returns the job with the given ID.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// List returns snapshots of every job, oldest first. Output is omitted.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(jobs))
	for i, job := range jobs {
		out[i] = job.info()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Kill sends SIGTERM to the job's process group and returns immediately.
// If the process has not exited after the grace period it is sent SIGKILL
// and recorded as exited with KilledExitCode. Callers observe completion
// through Get, Done or the job.exited event.
func (r *Registry) Kill(id string) Result {
	job, ok := r.Get(id)
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("job %s not found", id)}
	}

	job.mu.Lock()
	if job.status == StatusExited {
		job.mu.Unlock()
		snap := job.info()
		return Result{Success: false, Message: fmt.Sprintf("job %s already exited", id), Job: &snap}
	}
	if job.killing {
		job.mu.Unlock()
		snap := job.info()
		return Result{Success: true, Message: fmt.Sprintf("job %s is already being terminated", id), Job: &snap}
	}
	job.killing = true
	pid := job.pid
	job.mu.Unlock()

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.log.Warn().Err(err).Str("job", id).Msg("Failed to signal background job")
	}
	go r.escalate(job, pid)

	snap := job.info()
	r.log.Info().Str("job", id).Int("pid", pid).Msg("Termination signal sent")
	return Result{Success: true, Message: fmt.Sprintf("termination signal sent to job %s", id), Job: &snap}
}

func (r *Registry) escalate(job *Job, pid int) {
	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-job.done:
		return
	case <-timer.C:
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	if job.markExited(KilledExitCode) {
		r.log.Warn().Str("job", job.id).Dur("grace", r.grace).Msg("Background job did not exit in time, killed")
		r.publish(event.JobExited, job.info())
	}
}

// Reap removes an exited job from the registry.
func (r *Registry) Reap(id string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Result{Success: false, Message: fmt.Sprintf("job %s not found", id)}
	}
	snap := job.info()
	if snap.Status != StatusExited {
		return Result{Success: false, Message: fmt.Sprintf("job %s is still running", id), Job: &snap}
	}
	delete(r.jobs, id)
	return Result{Success: true, Message: fmt.Sprintf("reaped job %s", id), Job: &snap}
}

// Cleanup kills every running job and waits for them to exit or for ctx.
func (r *Registry) Cleanup(ctx context.Context) error {
	var running []*Job
	for _, snap := range r.List() {
		if snap.Status != StatusRunning {
			continue
		}
		if job, ok := r.Get(snap.ID); ok {
			r.Kill(snap.ID)
			running = append(running, job)
		}
	}

	for _, job := range running {
		select {
		case <-job.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for background jobs: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) publish(t event.EventType, snap Snapshot) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: t, Data: snap})
}
