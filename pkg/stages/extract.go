package stages

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
)

const framePattern = "frame_%06d.jpg"

// ExtractFrames samples the upload into JPEG frames at the preset rate.
type ExtractFrames struct {
	env *Env
}

func (e *ExtractFrames) Name() string        { return NameExtractFrames }
func (e *ExtractFrames) Status() jobs.Status { return jobs.StatusExtractingFrames }

func (e *ExtractFrames) Run(ctx context.Context, in Input, r Reporter) (Output, error) {
	if err := begin(ctx, NameExtractFrames, r); err != nil {
		return Output{}, err
	}
	video, serr := requireArtifact(NameExtractFrames, in.Job, jobs.ArtifactUpload)
	if serr != nil {
		return Output{}, serr
	}

	dir := e.env.Layout.FramesDir(in.Job.ID)
	if err := os.RemoveAll(dir); err != nil {
		return Output{}, Classify(NameExtractFrames, fmt.Errorf("clearing frames dir: %w", err))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, Classify(NameExtractFrames, fmt.Errorf("creating frames dir: %w", err))
	}

	expected := 0.0
	if in.Job.Validation != nil {
		expected = math.Max(1, math.Floor(in.Job.Validation.DurationSeconds*in.Params.FrameRate))
	}
	onLine := func(line string) {
		if expected <= 0 {
			return
		}
		if n, ok := parseFFmpegFrame(line); ok {
			// the last frame is only confirmed by the exit status
			r.Progress(math.Min(float64(n)/expected, 0.99))
		}
	}

	res := e.env.Runner.Run(ctx, runner.Command{
		Name: e.env.Tools.FFmpeg,
		Args: []string{
			"-hide_banner", "-y",
			"-i", video,
			"-vf", "fps=" + strconv.FormatFloat(in.Params.FrameRate, 'f', -1, 64),
			"-q:v", "2",
			filepath.Join(dir, framePattern),
		},
		Timeout:  in.Params.ExtractTimeout,
		OnOutput: outputHandler(in.Log, onLine),
	})
	if serr := FromResult(NameExtractFrames, "ffmpeg", res); serr != nil {
		return Output{}, serr
	}

	count, err := countFrames(dir)
	if err != nil {
		return Output{}, Classify(NameExtractFrames, err)
	}
	if count == 0 {
		return Output{}, &StageError{
			Kind:    jobs.ErrorKindArtifactMissing,
			Stage:   NameExtractFrames,
			Message: "no frames were extracted from the video",
			Detail:  res.Tail(),
		}
	}

	logger.ForJob(in.Job.ID).WithField("frames", count).Info("frames extracted")
	r.Progress(1)
	return Output{Artifacts: map[string]string{jobs.ArtifactFrames: dir}}, nil
}

// countFrames counts the extracted images in dir.
func countFrames(dir string) (int, error) {
	var total int
	for _, pattern := range []string{"*.jpg", "*.png"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		total += len(matches)
	}
	return total, nil
}
