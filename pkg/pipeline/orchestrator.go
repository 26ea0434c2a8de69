package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/splatforge/platform/pkg/admission"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/observability/metrics"
	"github.com/splatforge/platform/pkg/stages"
	"github.com/splatforge/platform/pkg/storage"
)

var (
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrNotRunning     = errors.New("job is not running")
)

const (
	MessageCancelled   = "job was cancelled"
	MessageShutdown    = "interrupted by service shutdown"
	MessageInterrupted = "interrupted by service restart"

	storeTimeout = 30 * time.Second
)

// StatusCache receives every persisted job version.
type StatusCache interface {
	Put(ctx context.Context, job *jobs.Job) error
}

type Options struct {
	Presets config.PresetTable
	Layout  storage.Layout
	// Admission is consulted for queue positions. Optional.
	Admission *admission.Controller
	// Publisher and Cache are optional.
	Publisher    EventPublisher
	Cache        StatusCache
	ProgressStep float64
}

// Orchestrator drives each submitted job through the stage pipeline on its
// own goroutine. The store is the only state shared between jobs.
type Orchestrator struct {
	store     jobs.Store
	pipeline  []stages.Stage
	presets   config.PresetTable
	layout    storage.Layout
	admission *admission.Controller
	cache     StatusCache
	events    *dispatcher
	step      float64

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

func New(store jobs.Store, pipeline []stages.Stage, opts Options) *Orchestrator {
	step := opts.ProgressStep
	if step <= 0 {
		step = defaultProgressStep
	}
	presets := opts.Presets
	if presets == nil {
		presets = config.DefaultPresets()
	}
	return &Orchestrator{
		store:     store,
		pipeline:  pipeline,
		presets:   presets,
		layout:    opts.Layout,
		admission: opts.Admission,
		cache:     opts.Cache,
		events:    newDispatcher(opts.Publisher),
		step:      step,
		tasks:     make(map[string]*Task),
	}
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopShutdown
)

// Task is the handle of one running job.
type Task struct {
	jobID     string
	cancel    context.CancelFunc
	validated chan struct{}
	done      chan struct{}

	mu     sync.Mutex
	reason stopReason
	report *stages.ValidationReport
	final  *jobs.Job
	once   sync.Once
}

func (t *Task) JobID() string { return t.jobID }

// Validated is closed once the validation outcome is persisted, or the job
// ended before reaching one. A failed validation is already recorded as
// StatusError when it closes.
func (t *Task) Validated() <-chan struct{} { return t.validated }

// Validation is meaningful after Validated is closed. It is nil when the
// job ended before the video could be inspected.
func (t *Task) Validation() *stages.ValidationReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Result is the terminal job record, available after Done is closed.
func (t *Task) Result() *jobs.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final.Clone()
}

func (t *Task) markValidated(report *stages.ValidationReport) {
	t.once.Do(func() {
		t.mu.Lock()
		t.report = report
		t.mu.Unlock()
		close(t.validated)
	})
}

func (t *Task) stop(reason stopReason) {
	t.mu.Lock()
	if t.reason == stopNone {
		t.reason = reason
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Task) stopReason() stopReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Submit starts processing a freshly created job.
func (o *Orchestrator) Submit(job *jobs.Job) (*Task, error) {
	params, err := o.presets.Lookup(job.Preset)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, running := o.tasks[job.ID]; running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		jobID:     job.ID,
		cancel:    cancel,
		validated: make(chan struct{}),
		done:      make(chan struct{}),
	}
	o.tasks[job.ID] = task
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.JobsSubmitted.WithLabelValues(string(job.Preset)).Inc()
	metrics.JobsActive.Inc()
	o.jobLog(job.ID).WithField("preset", job.Preset).Info("job submitted")

	go o.run(ctx, task, job.Clone(), params)
	return task, nil
}

// Cancel stops a running job. The job ends in error with kind cancelled.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	task, ok := o.tasks[jobID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	task.stop(stopCancelled)
	o.jobLog(jobID).Info("cancellation requested")
	return nil
}

// Running reports whether jobID is owned by this orchestrator.
func (o *Orchestrator) Running(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.tasks[jobID]
	return ok
}

// QueuePosition is the job's 1-based place in the training queue.
func (o *Orchestrator) QueuePosition(jobID string) (int, bool) {
	if o.admission == nil {
		return 0, false
	}
	return o.admission.Position(jobID)
}

// Recover fails every non-terminal job left behind by a previous process.
// External tools cannot be re-attached, so those jobs cannot continue.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished jobs: %w", err)
	}
	recovered := 0
	for _, job := range active {
		if o.Running(job.ID) {
			continue
		}
		_, err := o.mutate(job.ID, func(j *jobs.Job) error {
			j.Fail(jobs.ErrorKindInternal, MessageInterrupted, "status at restart: "+string(j.Status))
			return nil
		})
		if err != nil {
			if errors.Is(err, jobs.ErrJobTerminal) {
				continue
			}
			return recovered, fmt.Errorf("recovering job %s: %w", job.ID, err)
		}
		recovered++
		o.jobLog(job.ID).WithField("status", job.Status).Warn("job interrupted by restart marked as failed")
	}
	return recovered, nil
}

// Shutdown stops every running job and waits for them to record their final
// state, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	tasks := make([]*Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		t.stop(stopShutdown)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.events.close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, task *Task, job *jobs.Job, params config.PresetParams) {
	log := o.jobLog(job.ID)
	// held frees a resource a finished stage still owns, such as the
	// training slot, once the job has left that stage's status.
	var held func()
	releaseHeld := func() {
		if held != nil {
			held()
			held = nil
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			// a panic outside a stage still has to end the job
			log.WithField("panic", rec).Error("orchestrator panic")
			o.fail(task, job.ID, &stages.StageError{
				Kind:    jobs.ErrorKindInternal,
				Stage:   "orchestrator",
				Message: "internal error",
				Detail:  fmt.Sprintf("%v\n%s", rec, debug.Stack()),
			}, nil)
		}
		releaseHeld()
		o.finish(task)
	}()

	current := job
	for i, stage := range o.pipeline {
		if ctx.Err() != nil {
			o.fail(task, job.ID, stages.Classify(stage.Name(), ctx.Err()), nil)
			return
		}

		base := 0.0
		if i > 0 {
			base = completedWeight(o.pipeline, i-1)
		}
		rep := &reporter{
			o:          o,
			jobID:      job.ID,
			from:       current.Status,
			status:     stage.Status(),
			base:       base,
			weight:     stageWeights[stage.Name()],
			step:       o.step,
			afterBegin: releaseHeld,
		}

		stageLog, closeLog := o.openStageLog(job.ID, stage.Name())
		start := time.Now()
		out, err := runStage(ctx, stage, stages.Input{Job: current.Clone(), Params: params, Log: stageLog}, rep)
		elapsed := time.Since(start)
		closeLog()
		if out.Release != nil {
			releaseHeld()
			held = out.Release
		}

		entry := log.WithFields(logrus.Fields{"stage": stage.Name(), "duration_ms": elapsed.Milliseconds()})
		if err != nil {
			serr := stages.Classify(stage.Name(), err)
			metrics.ObserveStage(stage.Name(), string(serr.Kind), elapsed)
			entry.WithFields(logrus.Fields{"kind": serr.Kind, "detail": serr.Detail}).WithError(serr).Warn("stage failed")
			var info *jobs.ValidationInfo
			if out.Validation != nil {
				info = out.Validation.Info
			}
			o.fail(task, job.ID, serr, info)
			if stage.Name() == stages.NameValidate {
				task.markValidated(out.Validation)
			}
			return
		}
		metrics.ObserveStage(stage.Name(), "ok", elapsed)
		entry.Info("stage completed")

		done := completedWeight(o.pipeline, i)
		next, err := o.mutate(job.ID, func(j *jobs.Job) error {
			if j.Status != stage.Status() {
				return fmt.Errorf("%w: want %s, have %s", jobs.ErrUnexpectedStatus, stage.Status(), j.Status)
			}
			for key, path := range out.Artifacts {
				j.SetArtifact(key, path)
			}
			if out.Validation != nil && out.Validation.Info != nil {
				j.Validation = out.Validation.Info
			}
			if done > j.Progress {
				j.Progress = done
			}
			return nil
		})
		if err != nil {
			o.afterMutationError(task, job.ID, stage.Name(), err)
			return
		}
		current = next
		// waiters read the store next, so the outcome is published only
		// once it is persisted
		if stage.Name() == stages.NameValidate {
			task.markValidated(out.Validation)
		}
	}

	final, err := o.mutate(job.ID, func(j *jobs.Job) error {
		if err := jobs.Transition(current.Status, jobs.StatusCompleted)(j); err != nil {
			return err
		}
		j.Progress = 1
		return nil
	})
	if err != nil {
		o.afterMutationError(task, job.ID, "complete", err)
		return
	}
	log.WithField("duration_ms", time.Since(job.CreatedAt).Milliseconds()).Info("job completed")
	o.setFinal(task, final)
}

// runStage shields the orchestrator from a panicking stage.
func runStage(ctx context.Context, stage stages.Stage, in stages.Input, r stages.Reporter) (out stages.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &stages.StageError{
				Kind:    jobs.ErrorKindInternal,
				Stage:   stage.Name(),
				Message: "internal error",
				Detail:  fmt.Sprintf("%v\n%s", rec, debug.Stack()),
			}
		}
	}()
	return stage.Run(ctx, in, r)
}

func (o *Orchestrator) afterMutationError(task *Task, jobID, stage string, err error) {
	if errors.Is(err, jobs.ErrJobTerminal) {
		// someone else already ended the job
		if job, gerr := o.get(jobID); gerr == nil {
			o.setFinal(task, job)
		}
		return
	}
	o.fail(task, jobID, stages.Classify(stage, err), nil)
}

// fail records the job's single transition into error.
func (o *Orchestrator) fail(task *Task, jobID string, serr *stages.StageError, info *jobs.ValidationInfo) {
	kind, message := serr.Kind, serr.Message
	switch task.stopReason() {
	case stopCancelled:
		kind, message = jobs.ErrorKindCancelled, MessageCancelled
	case stopShutdown:
		kind, message = jobs.ErrorKindCancelled, MessageShutdown
	}
	if message == "" {
		message = "processing failed"
	}

	detail := serr.Detail
	if serr.Err != nil {
		if detail != "" {
			detail += "\n"
		}
		detail += serr.Err.Error()
	}

	job, err := o.mutate(jobID, func(j *jobs.Job) error {
		if info != nil && j.Validation == nil {
			j.Validation = info
		}
		j.Fail(kind, message, detail)
		return nil
	})
	if err != nil {
		if !errors.Is(err, jobs.ErrJobTerminal) {
			o.jobLog(jobID).WithError(err).Error("failed to record job failure")
		}
		job, _ = o.get(jobID)
	} else {
		o.jobLog(jobID).WithFields(logrus.Fields{
			"stage": serr.Stage,
			"kind":  kind,
		}).Error("job failed: " + message)
	}
	o.setFinal(task, job)
}

func (o *Orchestrator) setFinal(task *Task, job *jobs.Job) {
	task.mu.Lock()
	task.final = job
	task.mu.Unlock()
}

func (o *Orchestrator) finish(task *Task) {
	task.markValidated(nil)
	task.cancel()

	final := task.Result()
	if final != nil {
		metrics.JobsFinished.WithLabelValues(string(final.Preset), string(final.Status), string(final.ErrorKind)).Inc()
	}
	metrics.JobsActive.Dec()

	o.mu.Lock()
	delete(o.tasks, task.jobID)
	o.mu.Unlock()
	close(task.done)
	o.wg.Done()
}

// mutate persists through the store, detached from any job context so a
// cancelled job can still record its final state, then fans out the result.
func (o *Orchestrator) mutate(jobID string, fn jobs.MutateFunc) (*jobs.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	job, err := o.store.Mutate(ctx, jobID, fn)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, job)
	return job, nil
}

func (o *Orchestrator) get(jobID string) (*jobs.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return o.store.Get(ctx, jobID)
}

func (o *Orchestrator) publish(ctx context.Context, job *jobs.Job) {
	if o.cache != nil {
		if err := o.cache.Put(ctx, job); err != nil {
			o.jobLog(job.ID).WithError(err).Warn("status cache update failed")
		}
	}
	o.events.enqueue(job)
}

func (o *Orchestrator) openStageLog(jobID, stage string) (io.Writer, func()) {
	if o.layout.Root == "" {
		return io.Discard, func() {}
	}
	path := o.layout.StageLog(jobID, stage)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		o.jobLog(jobID).WithError(err).Warn("cannot create stage log directory")
		return io.Discard, func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		o.jobLog(jobID).WithError(err).Warn("cannot open stage log")
		return io.Discard, func() {}
	}
	fmt.Fprintf(f, "=== %s started %s ===\n", stage, time.Now().UTC().Format(time.RFC3339))
	return f, func() { _ = f.Close() }
}

func (o *Orchestrator) jobLog(jobID string) *logrus.Entry {
	return logger.ForJob(jobID)
}
