// Package stage wraps one external pipeline stage in a bounded-time
// out-of-process invocation with captured output and success/failure
// classification.
package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of one stage invocation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Spec declares one external stage: the command to run, the artifact it must
// produce, and its wall-clock budget.
type Spec struct {
	Name         string        `yaml:"name" json:"name"`
	Command      string        `yaml:"command" json:"command"`
	Args         []string      `yaml:"args" json:"args,omitempty"`
	ArtifactPath string        `yaml:"artifact" json:"artifact"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Dir          string        `yaml:"dir" json:"dir,omitempty"`
	Env          []string      `yaml:"env" json:"env,omitempty"`
}

// UnmarshalYAML accepts the timeout as a duration string ("5m", "90s") in
// stage declarations.
func (s *Spec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name         string   `yaml:"name"`
		Command      string   `yaml:"command"`
		Args         []string `yaml:"args"`
		ArtifactPath string   `yaml:"artifact"`
		Timeout      string   `yaml:"timeout"`
		Dir          string   `yaml:"dir"`
		Env          []string `yaml:"env"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Command = raw.Command
	s.Args = raw.Args
	s.ArtifactPath = raw.ArtifactPath
	s.Dir = raw.Dir
	s.Env = raw.Env
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("stage %q: bad timeout %q: %w", raw.Name, raw.Timeout, err)
		}
		s.Timeout = d
	}
	return nil
}

// Result is the outcome of one stage invocation.
type Result struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Duration returns the stage's elapsed wall-clock time.
func (r Result) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// detailLimit bounds how much captured output is kept as diagnostic detail.
const detailLimit = 4096

// Invoker runs stage commands. FreshWindow controls resume mode: when a
// stage is invoked with skipFresh and its artifact was modified within the
// window, the command is not re-run.
type Invoker struct {
	log         zerolog.Logger
	freshWindow time.Duration
}

// NewInvoker creates a stage invoker. freshWindow <= 0 disables resume
// skipping entirely.
func NewInvoker(log zerolog.Logger, freshWindow time.Duration) *Invoker {
	return &Invoker{
		log:         log.With().Str("component", "invoker").Logger(),
		freshWindow: freshWindow,
	}
}

// Invoke runs the stage and classifies the outcome. Success requires both a
// zero exit status and a non-empty artifact at spec.ArtifactPath. The
// external process is terminated when the timeout elapses.
func (inv *Invoker) Invoke(ctx context.Context, spec Spec) Result {
	return inv.invoke(ctx, spec, false)
}

// InvokeResumable behaves like Invoke but skips execution when the stage's
// artifact already exists, is non-empty, and is fresh. Stage re-runs are a
// no-op on their own artifact, which is what makes resume-from-failure safe.
func (inv *Invoker) InvokeResumable(ctx context.Context, spec Spec) Result {
	return inv.invoke(ctx, spec, true)
}

func (inv *Invoker) invoke(ctx context.Context, spec Spec, skipFresh bool) Result {
	result := Result{
		Name:      spec.Name,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	if skipFresh && inv.freshWindow > 0 {
		if ok, detail := artifactFresh(spec.ArtifactPath, inv.freshWindow); ok {
			inv.log.Info().Str("stage", spec.Name).Str("artifact", spec.ArtifactPath).
				Msg("Fresh artifact present, skipping stage")
			result.Status = StatusSucceeded
			result.EndedAt = time.Now()
			result.Detail = detail
			return result
		}
	}

	// A stop request must not kill a stage already inside its external
	// invocation; only the per-stage timeout terminates the process.
	// Cancellation takes effect between stages, in the run executor.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	inv.log.Info().Str("stage", spec.Name).Str("command", spec.Command).
		Dur("timeout", spec.Timeout).Msg("Invoking stage")

	err := cmd.Run()
	result.EndedAt = time.Now()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimedOut
		result.Detail = fmt.Sprintf("timed out after %s\n%s",
			result.Duration().Round(time.Millisecond), tail(output.Bytes()))

	case err != nil:
		result.Status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Detail = fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), tail(output.Bytes()))
		} else {
			result.Detail = fmt.Sprintf("start failed: %v", err)
		}

	default:
		if msg := checkArtifact(spec.ArtifactPath); msg != "" {
			result.Status = StatusFailed
			result.Detail = msg
		} else {
			result.Status = StatusSucceeded
			result.Detail = spec.ArtifactPath
		}
	}

	inv.log.Info().Str("stage", spec.Name).Str("status", string(result.Status)).
		Dur("elapsed", result.Duration()).Msg("Stage finished")

	return result
}

// checkArtifact returns a failure message when the declared artifact is
// missing or empty after a zero exit, which is itself a failure condition.
func checkArtifact(path string) string {
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("artifact missing after zero exit: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Sprintf("artifact empty after zero exit: %s", path)
	}
	return ""
}

func artifactFresh(path string, window time.Duration) (bool, string) {
	if path == "" {
		return false, ""
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false, ""
	}
	age := time.Since(info.ModTime())
	if age > window {
		return false, ""
	}
	return true, fmt.Sprintf("skipped: fresh artifact %s (age %s)", path, age.Round(time.Second))
}

func tail(b []byte) []byte {
	if len(b) <= detailLimit {
		return b
	}
	return b[len(b)-detailLimit:]
}
