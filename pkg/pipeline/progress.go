package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"

	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/stages"
)

// Share of overall progress owned by each stage. Training dominates.
var stageWeights = map[string]float64{
	stages.NameValidate:      0.05,
	stages.NameExtractFrames: 0.10,
	stages.NameTrain:         0.70,
	stages.NameExport:        0.10,
	stages.NameCompress:      0.05,
}

const defaultProgressStep = 0.01

var errProgressUnchanged = errors.New("progress unchanged")

// reporter maps one stage's local progress into the job's overall progress
// and persists it. Writes are max-merged and throttled.
type reporter struct {
	o      *Orchestrator
	jobID  string
	from   jobs.Status
	status jobs.Status
	base   float64
	weight float64
	step   float64

	// afterBegin runs once the job has entered status.
	afterBegin func()

	mu     sync.Mutex
	begun  bool
	stored float64
}

func (r *reporter) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := r.o.mutate(r.jobID, jobs.Transition(r.from, r.status))
	if err != nil {
		return err
	}
	r.begun = true
	r.stored = job.Progress
	if r.afterBegin != nil {
		r.afterBegin()
	}
	r.o.jobLog(r.jobID).WithField("status", r.status).Info("stage started")
	return nil
}

func (r *reporter) Progress(fraction float64) {
	overall := r.base + r.weight*clampFraction(fraction)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.begun || (overall < r.stored+r.step && fraction < 1) {
		return
	}
	if overall <= r.stored {
		return
	}
	job, err := r.o.mutate(r.jobID, func(j *jobs.Job) error {
		if j.Status != r.status {
			return jobs.ErrUnexpectedStatus
		}
		if overall <= j.Progress {
			return errProgressUnchanged
		}
		j.Progress = overall
		return nil
	})
	if err == nil {
		r.stored = job.Progress
	}
}

func clampFraction(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// completedWeight is the overall progress once every stage before index i
// and stage i itself have finished.
func completedWeight(pipeline []stages.Stage, i int) float64 {
	total := 0.0
	for _, s := range pipeline[:i+1] {
		total += stageWeights[s.Name()]
	}
	if total > 1 {
		total = 1
	}
	return total
}
