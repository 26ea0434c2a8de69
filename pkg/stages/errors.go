package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
)

// StageError is the only error type a Stage returns. Message is safe to show
// to clients; Detail carries tool output for operators.
type StageError struct {
	Kind    jobs.ErrorKind
	Stage   string
	Message string
	Detail  string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.Stage + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func newError(kind jobs.ErrorKind, stage, message string) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: message}
}

// FromResult classifies a failed tool run. It returns nil on success.
func FromResult(stage, tool string, res runner.Result) *StageError {
	if res.Success() {
		return nil
	}
	e := &StageError{Stage: stage, Detail: strings.TrimSpace(res.Tail())}
	switch {
	case res.StartErr != nil:
		e.Kind = jobs.ErrorKindExternalTool
		e.Message = fmt.Sprintf("%s could not be started", tool)
		e.Err = res.StartErr
	case res.TimedOut:
		e.Kind = jobs.ErrorKindTimeout
		e.Message = fmt.Sprintf("%s timed out after %s", tool, res.Duration.Round(time.Second))
	case res.Cancelled:
		e.Kind = jobs.ErrorKindCancelled
		e.Message = "job was cancelled"
	default:
		e.Kind = jobs.ErrorKindExternalTool
		e.Message = fmt.Sprintf("%s failed with exit code %d", tool, res.ExitCode)
	}
	return e
}

// Classify turns any error into a StageError attributed to stage.
func Classify(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &StageError{Kind: jobs.ErrorKindCancelled, Stage: stage, Message: "job was cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &StageError{Kind: jobs.ErrorKindTimeout, Stage: stage, Message: "stage deadline exceeded", Err: err}
	default:
		return &StageError{Kind: jobs.ErrorKindInternal, Stage: stage, Message: "internal error", Err: err}
	}
}
