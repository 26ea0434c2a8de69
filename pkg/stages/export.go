package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
)

// Export publishes the trained model at its download location, converting it
// with the configured command when there is one.
type Export struct {
	env *Env
}

func (e *Export) Name() string        { return NameExport }
func (e *Export) Status() jobs.Status { return jobs.StatusExporting }

func (e *Export) Run(ctx context.Context, in Input, r Reporter) (Output, error) {
	if err := begin(ctx, NameExport, r); err != nil {
		return Output{}, err
	}
	raw, serr := requireArtifact(NameExport, in.Job, jobs.ArtifactRawModel)
	if serr != nil {
		return Output{}, serr
	}
	dst := e.env.Layout.ModelFile(in.Job.ID)
	_ = os.Remove(dst)

	detail := ""
	if command := e.env.Tools.ExportCommand; len(command) > 0 {
		args := append(append([]string{}, command[1:]...), raw, dst)
		res := e.env.Runner.Run(ctx, runner.Command{
			Name:     command[0],
			Args:     args,
			Timeout:  e.env.Tools.ExportTimeout,
			OnOutput: outputHandler(in.Log, nil),
		})
		if serr := FromResult(NameExport, "export command", res); serr != nil {
			return Output{}, serr
		}
		detail = res.Tail()
	} else {
		if _, err := copyFile(ctx, raw, dst); err != nil {
			return Output{}, Classify(NameExport, fmt.Errorf("copying model: %w", err))
		}
	}

	size, ok := nonEmptyFile(dst)
	if !ok {
		return Output{}, &StageError{
			Kind:    jobs.ErrorKindArtifactMissing,
			Stage:   NameExport,
			Message: "export produced no model file",
			Detail:  detail,
		}
	}
	logger.ForJob(in.Job.ID).WithField("bytes", size).Info("model exported")
	r.Progress(1)
	return Output{Artifacts: map[string]string{jobs.ArtifactModel: dst}}, nil
}
