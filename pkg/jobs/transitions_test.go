package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/splatforge/platform/pkg/common/models"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionFollowsPipelineOrder(t *testing.T) {
	for i := 0; i+1 < len(pipelineOrder); i++ {
		require.True(t, CanTransition(pipelineOrder[i], pipelineOrder[i+1]), "%s -> %s", pipelineOrder[i], pipelineOrder[i+1])
	}
	require.False(t, CanTransition(StatusUploaded, StatusTraining), "edges must not be skipped")
	require.False(t, CanTransition(StatusTraining, StatusExtractingFrames), "no regression")
	require.False(t, CanTransition(StatusExporting, StatusExporting))
}

func TestErrorReachableFromEveryNonTerminalStatus(t *testing.T) {
	for _, s := range pipelineOrder {
		if s.Terminal() {
			require.False(t, CanTransition(s, StatusError))
			continue
		}
		require.True(t, CanTransition(s, StatusError), "%s -> error", s)
	}
	require.False(t, CanTransition(StatusError, StatusError))
}

func TestTransitionGuardsCurrentStatus(t *testing.T) {
	job := newJob(models.PresetFast)
	err := Transition(StatusExtractingFrames, StatusTraining)(job)
	require.True(t, errors.Is(err, ErrUnexpectedStatus))
	require.Equal(t, StatusUploaded, job.Status)

	require.NoError(t, Transition(StatusUploaded, StatusValidating)(job))
	require.Equal(t, StatusValidating, job.Status)
}

func TestCheckMutationRejectsInvariantBreaks(t *testing.T) {
	base := newJob(models.PresetBalanced)
	base.Status = StatusTraining
	base.Progress = 0.4
	base.Artifacts[ArtifactFrames] = "/frames/x"
	base.Validation = &ValidationInfo{DurationSeconds: 30}

	cases := map[string]func(*Job){
		"progress regression": func(j *Job) { j.Progress = 0.3 },
		"progress above one":  func(j *Job) { j.Progress = 1.2 },
		"skipped edge":        func(j *Job) { j.Status = StatusCompressing },
		"artifact rewrite":    func(j *Job) { j.Artifacts[ArtifactFrames] = "/elsewhere" },
		"artifact removal":    func(j *Job) { delete(j.Artifacts, ArtifactFrames) },
		"validation removal":  func(j *Job) { j.Validation = nil },
		"preset change":       func(j *Job) { j.Preset = models.PresetFast },
		"id change":           func(j *Job) { j.ID = NewID() },
		"error without msg":   func(j *Job) { j.Status = StatusError },
		"msg without error":   func(j *Job) { j.ErrorMessage = "boom" },
		"created_at change":   func(j *Job) { j.CreatedAt = j.CreatedAt.Add(time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			next := base.Clone()
			mutate(next)
			require.Error(t, CheckMutation(base, next))
		})
	}
}

func TestCheckMutationAcceptsForwardProgress(t *testing.T) {
	base := newJob(models.PresetQuality)
	base.Status = StatusExporting
	base.Progress = 0.85

	next := base.Clone()
	next.Status = StatusCompressing
	next.Progress = 0.95
	next.SetArtifact(ArtifactModel, "/models/x.ply")
	require.NoError(t, CheckMutation(base, next))

	failed := base.Clone()
	failed.Fail(ErrorKindExternalTool, "export failed", "stderr tail")
	require.NoError(t, CheckMutation(base, failed))
}

func TestCheckMutationRequiresFullProgressOnCompletion(t *testing.T) {
	base := newJob(models.PresetFast)
	base.Status = StatusCompressing
	base.Progress = 0.95

	next := base.Clone()
	next.Status = StatusCompleted
	require.Error(t, CheckMutation(base, next))

	next.Progress = 1
	require.NoError(t, CheckMutation(base, next))
}

func TestCheckMutationRejectsTerminalJobs(t *testing.T) {
	done := newJob(models.PresetFast)
	done.Status = StatusCompleted
	done.Progress = 1
	require.ErrorIs(t, CheckMutation(done, done.Clone()), ErrJobTerminal)
}
