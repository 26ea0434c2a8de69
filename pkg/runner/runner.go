package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splatforge/platform/pkg/common/logger"
)

const (
	DefaultTailBytes = 64 * 1024
	DefaultKillGrace = 5 * time.Second

	// ExitCodeAborted is reported when the process never exited on its own.
	ExitCodeAborted = -1
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command describes one external program invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// OnOutput receives every chunk as it is produced. Calls are serialized.
	OnOutput func(stream Stream, chunk []byte)
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is always returned, whatever happened to the process. Callers decide
// success from ExitCode, TimedOut and Cancelled.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
	StartErr  error
}

func (r Result) Success() bool {
	return r.StartErr == nil && !r.TimedOut && !r.Cancelled && r.ExitCode == 0
}

// Tail returns stderr, falling back to stdout when stderr is empty.
func (r Result) Tail() string {
	if strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Runner executes external programs in their own process group so a
// timeout or cancellation can take down the whole tree.
type Runner struct {
	TailBytes int
	KillGrace time.Duration
}

func New() *Runner {
	return &Runner{TailBytes: DefaultTailBytes, KillGrace: DefaultKillGrace}
}

// sink fans process output into a tail buffer and the caller's callback.
type sink struct {
	mu       *sync.Mutex
	stream   Stream
	tail     *tailBuffer
	onOutput func(Stream, []byte)
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tail.Write(p)
	if s.onOutput != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		s.onOutput(s.stream, chunk)
	}
	return len(p), nil
}

func (r *Runner) Run(ctx context.Context, c Command) Result {
	start := time.Now()
	grace := r.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	var mu sync.Mutex
	stdout := &sink{mu: &mu, stream: Stdout, tail: newTailBuffer(r.TailBytes), onOutput: c.OnOutput}
	stderr := &sink{mu: &mu, stream: Stderr, tail: newTailBuffer(r.TailBytes), onOutput: c.OnOutput}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	result := func(code int) Result {
		mu.Lock()
		defer mu.Unlock()
		return Result{
			ExitCode: code,
			Stdout:   stdout.tail.String(),
			Stderr:   stderr.tail.String(),
			Duration: time.Since(start),
		}
	}

	if err := ctx.Err(); err != nil {
		res := result(ExitCodeAborted)
		res.Cancelled = true
		return res
	}

	if err := cmd.Start(); err != nil {
		res := result(ExitCodeAborted)
		res.StartErr = fmt.Errorf("starting %s: %w", c.Name, err)
		return res
	}

	log := logger.WithFields(map[string]interface{}{
		"command": c.Name,
		"pid":     cmd.Process.Pid,
	})
	log.Debug("process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		res := result(exitCode(cmd, err))
		log.WithField("exit_code", res.ExitCode).WithField("duration_ms", res.Duration.Milliseconds()).Debug("process exited")
		return res
	case <-timeout:
		r.terminate(cmd, done, grace)
		res := result(ExitCodeAborted)
		res.TimedOut = true
		log.WithField("timeout", c.Timeout.String()).Warn("process timed out and was killed")
		return res
	case <-ctx.Done():
		r.terminate(cmd, done, grace)
		res := result(ExitCodeAborted)
		res.Cancelled = true
		log.Warn("process cancelled and was killed")
		return res
	}
}

// terminate asks the process group to stop and then kills whatever is left
// of it. The grace period only applies while the leader is still running;
// members that outlive the leader are killed at once.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) {
	signalGroup(cmd, false)
	exited := false
	select {
	case <-done:
		exited = true
	case <-time.After(grace):
	}
	signalGroup(cmd, true)
	if !exited {
		<-done
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return ExitCodeAborted
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitCodeAborted
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, replaced := overrides[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
