package stages

import (
	"context"
	"io"
	"time"

	"github.com/splatforge/platform/pkg/admission"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
	"github.com/splatforge/platform/pkg/storage"
)

// Stage names, also used for per-stage log files.
const (
	NameValidate      = "validate"
	NameExtractFrames = "extract_frames"
	NameTrain         = "train"
	NameExport        = "export"
	NameCompress      = "compress"
)

// Reporter is how a stage talks back to the orchestrator while it runs.
type Reporter interface {
	// Begin moves the job into the stage's status. A stage must call it
	// before doing any work and give up if it fails.
	Begin(ctx context.Context) error
	// Progress reports the completed fraction of this stage, 0..1.
	Progress(fraction float64)
}

type Input struct {
	Job    *jobs.Job
	Params config.PresetParams
	// Log receives raw tool output for this stage. Never nil.
	Log io.Writer
}

type Output struct {
	Artifacts  map[string]string
	Validation *ValidationReport
	// Release, when set, frees a resource the stage still holds. The caller
	// invokes it once the job has left the stage's status, on every path.
	Release func()
}

type Stage interface {
	Name() string
	Status() jobs.Status
	Run(ctx context.Context, in Input, r Reporter) (Output, error)
}

// Tools locates the external programs the stages drive.
type Tools struct {
	FFmpeg           string
	FFprobe          string
	ProbeTimeout     time.Duration
	TrainerPython    string
	TrainerRepo      string
	TrainerScript    string
	TrainerExtraArgs []string
	// ExportCommand, when set, converts the raw model. The raw model path and
	// the destination are appended as the last two arguments.
	ExportCommand []string
	ExportTimeout time.Duration
}

// Limits are the acceptance rules for uploaded videos.
type Limits struct {
	AllowedExtensions []string
	MinDuration       float64
	MaxDuration       float64
	MinResolution     int
	MaxResolution     int
	MaxFileSize       int64
	MinFrames         int
	MaxFramesAdvisory int
}

// Slots grants exclusive use of the training hardware.
type Slots interface {
	Acquire(ctx context.Context, jobID string, submittedAt time.Time) (*admission.Ticket, error)
}

// Env is what every stage needs from the outside world.
type Env struct {
	Runner *runner.Runner
	Layout storage.Layout
	Tools  Tools
	Limits Limits
	Slots  Slots
}

func ToolsFromConfig(cfg *config.Config) Tools {
	return Tools{
		FFmpeg:           cfg.FFmpegPath,
		FFprobe:          cfg.FFprobePath,
		ProbeTimeout:     cfg.ProbeTimeout,
		TrainerPython:    cfg.TrainerPython,
		TrainerRepo:      cfg.TrainerRepo,
		TrainerScript:    cfg.TrainerScript,
		TrainerExtraArgs: cfg.TrainerExtraArgs,
		ExportCommand:    cfg.ExportCommand,
		ExportTimeout:    cfg.ExportTimeout,
	}
}

func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		AllowedExtensions: cfg.AllowedExtensions,
		MinDuration:       cfg.MinVideoDuration,
		MaxDuration:       cfg.MaxVideoDuration,
		MinResolution:     cfg.MinVideoResolution,
		MaxResolution:     cfg.MaxVideoResolution,
		MaxFileSize:       cfg.MaxUploadBytes,
		MinFrames:         cfg.MinFrames,
		MaxFramesAdvisory: cfg.MaxFramesAdvisory,
	}
}

// Pipeline returns the stages in execution order. The order is the same for
// every preset.
func Pipeline(env *Env) []Stage {
	return []Stage{
		&Validate{env: env},
		&ExtractFrames{env: env},
		&Train{env: env},
		&Export{env: env},
		&Compress{env: env},
	}
}

func requireArtifact(stage string, job *jobs.Job, key string) (string, *StageError) {
	path, ok := job.Artifact(key)
	if !ok {
		return "", &StageError{
			Kind:    jobs.ErrorKindArtifactMissing,
			Stage:   stage,
			Message: "missing input artifact " + key,
		}
	}
	return path, nil
}

func begin(ctx context.Context, stage string, r Reporter) error {
	if err := r.Begin(ctx); err != nil {
		return Classify(stage, err)
	}
	return nil
}
