package stages

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
)

const (
	trainerPortBase  = 6010
	trainerPortRange = 59000
	rawModelName     = "model.ply"
)

// Train runs the Gaussian splatting trainer on the extracted frames. It is
// the only stage that needs a training slot.
type Train struct {
	env *Env
}

func (t *Train) Name() string        { return NameTrain }
func (t *Train) Status() jobs.Status { return jobs.StatusTraining }

func (t *Train) Run(ctx context.Context, in Input, r Reporter) (Output, error) {
	frames, serr := requireArtifact(NameTrain, in.Job, jobs.ArtifactFrames)
	if serr != nil {
		return Output{}, serr
	}
	log := logger.ForJob(in.Job.ID).WithField("stage", NameTrain)

	waitStart := time.Now()
	ticket, err := t.env.Slots.Acquire(ctx, in.Job.ID, in.Job.CreatedAt)
	if err != nil {
		return Output{}, Classify(NameTrain, fmt.Errorf("waiting for training slot: %w", err))
	}
	defer func() {
		if rec := recover(); rec != nil {
			ticket.Release()
			panic(rec)
		}
	}()
	log.WithField("waited_ms", time.Since(waitStart).Milliseconds()).Info("training slot acquired")

	// The slot outlives Run: the job keeps it until its status moves on.
	out, err := t.train(ctx, in, r, frames)
	out.Release = ticket.Release
	return out, err
}

func (t *Train) train(ctx context.Context, in Input, r Reporter, frames string) (Output, error) {
	log := logger.ForJob(in.Job.ID).WithField("stage", NameTrain)
	if err := begin(ctx, NameTrain, r); err != nil {
		return Output{}, err
	}

	scene := t.env.Layout.SceneDir(in.Job.ID)
	defer func() {
		if err := os.RemoveAll(scene); err != nil {
			log.WithError(err).Warn("failed to remove scene directory")
		}
	}()
	staged, err := stageFrames(ctx, frames, filepath.Join(scene, "images"))
	if err != nil {
		return Output{}, Classify(NameTrain, fmt.Errorf("staging frames: %w", err))
	}
	if staged == 0 {
		return Output{}, newError(jobs.ErrorKindArtifactMissing, NameTrain, "no frames available for training")
	}
	log.WithField("frames", staged).Debug("frames staged")

	// stale output must not satisfy the point cloud check
	modelDir := t.env.Layout.RawModelDir(in.Job.ID)
	if err := os.RemoveAll(modelDir); err != nil {
		return Output{}, Classify(NameTrain, err)
	}
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return Output{}, Classify(NameTrain, err)
	}

	iterations := in.Params.Iterations
	tools := t.env.Tools
	args := []string{
		tools.TrainerScript,
		"-s", scene,
		"-m", modelDir,
		"--iterations", strconv.Itoa(iterations),
		"--resolution", strconv.Itoa(in.Params.Resolution),
		"--mode", "custom",
		"--port", strconv.Itoa(trainerPort(modelDir)),
		"--quiet",
	}
	args = append(args, tools.TrainerExtraArgs...)

	res := t.env.Runner.Run(ctx, runner.Command{
		Name:    tools.TrainerPython,
		Args:    args,
		Dir:     tools.TrainerRepo,
		Env:     map[string]string{"PYTHONPATH": pythonPath(tools.TrainerRepo, os.Getenv("PYTHONPATH"))},
		Timeout: in.Params.TrainTimeout,
		OnOutput: outputHandler(in.Log, func(line string) {
			if f, ok := parseTrainerProgress(line, iterations); ok {
				r.Progress(belowComplete(f))
			}
		}),
	})
	if serr := FromResult(NameTrain, "trainer", res); serr != nil {
		return Output{}, serr
	}

	// A zero exit status proves nothing: the point cloud has to exist.
	cloud, ok := locatePointCloud(modelDir, iterations)
	if !ok {
		return Output{}, &StageError{
			Kind:    jobs.ErrorKindArtifactMissing,
			Stage:   NameTrain,
			Message: "training finished without producing a point cloud",
			Detail:  res.Tail(),
		}
	}
	raw := filepath.Join(modelDir, rawModelName)
	if _, err := copyFile(ctx, cloud, raw); err != nil {
		return Output{}, Classify(NameTrain, fmt.Errorf("copying point cloud: %w", err))
	}

	log.WithField("duration_ms", res.Duration.Milliseconds()).WithField("point_cloud", cloud).Info("training finished")
	r.Progress(1)
	return Output{Artifacts: map[string]string{jobs.ArtifactRawModel: raw}}, nil
}

func belowComplete(f float64) float64 {
	f = clamp01(f)
	if f > 0.99 {
		return 0.99
	}
	return f
}

// trainerPort derives a stable per-job port for the trainer's viewer socket
// so concurrent runs on one host do not collide.
func trainerPort(outputDir string) int {
	sum := md5.Sum([]byte(outputDir))
	h := binary.BigEndian.Uint32(sum[:4])
	return trainerPortBase + int(h%trainerPortRange)
}

func pythonPath(repo, existing string) string {
	if repo == "" {
		return existing
	}
	for _, p := range filepath.SplitList(existing) {
		if p == repo {
			return existing
		}
	}
	if existing == "" {
		return repo
	}
	return repo + string(os.PathListSeparator) + existing
}

// stageFrames copies the frame images into the trainer's scene layout,
// replacing anything left by an earlier attempt.
func stageFrames(ctx context.Context, framesDir, imagesDir string) (int, error) {
	if err := os.RemoveAll(filepath.Dir(imagesDir)); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return 0, err
	}
	var n int
	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".jpg" && ext != ".png") {
			continue
		}
		src := filepath.Join(framesDir, name)
		dst := filepath.Join(imagesDir, name)
		if err := os.Link(src, dst); err != nil {
			if _, err := copyFile(ctx, src, dst); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// locatePointCloud finds point_cloud/iteration_<n>/point_cloud.ply, falling
// back to the highest iteration the trainer saved.
func locatePointCloud(modelDir string, iterations int) (string, bool) {
	root := filepath.Join(modelDir, "point_cloud")
	want := filepath.Join(root, fmt.Sprintf("iteration_%d", iterations), "point_cloud.ply")
	if _, ok := nonEmptyFile(want); ok {
		return want, true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	type saved struct {
		iter int
		path string
	}
	var found []saved
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "iteration_"))
		if err != nil || !strings.HasPrefix(entry.Name(), "iteration_") {
			continue
		}
		p := filepath.Join(root, entry.Name(), "point_cloud.ply")
		if _, ok := nonEmptyFile(p); ok {
			found = append(found, saved{iter: n, path: p})
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].iter > found[j].iter })
	return found[0].path, true
}
