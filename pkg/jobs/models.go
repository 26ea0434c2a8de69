package jobs

import (
	"time"

	"github.com/google/uuid"
	"github.com/splatforge/platform/pkg/common/models"
)

type Status string

const (
	StatusUploaded         Status = "uploaded"
	StatusValidating       Status = "validating"
	StatusExtractingFrames Status = "extracting_frames"
	StatusTraining         Status = "training"
	StatusExporting        Status = "exporting"
	StatusCompressing      Status = "compressing"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// ErrorKind classifies why a job ended in StatusError.
type ErrorKind string

const (
	ErrorKindInput           ErrorKind = "input"
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindExternalTool    ErrorKind = "external_tool"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindArtifactMissing ErrorKind = "artifact_missing"
	ErrorKindCancelled       ErrorKind = "cancelled"
	ErrorKindInternal        ErrorKind = "internal"
)

// Artifact keys, one per producing stage.
const (
	ArtifactUpload          = "upload"
	ArtifactFrames          = "frames"
	ArtifactRawModel        = "raw_model"
	ArtifactModel           = "model"
	ArtifactModelCompressed = "model_compressed"
)

type ValidationInfo struct {
	DurationSeconds float64  `json:"duration"`
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	FPS             float64  `json:"fps"`
	Codec           string   `json:"codec"`
	FileSize        int64    `json:"file_size"`
	Warnings        []string `json:"warnings"`
}

// Job is the durable record of one reconstruction request.
type Job struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	Progress     float64           `json:"progress"`
	Preset       models.Preset     `json:"quality_preset"`
	Validation   *ValidationInfo   `json:"validation_info,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorKind    ErrorKind         `json:"error_kind,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
	Artifacts    map[string]string `json:"artifact_paths"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func NewID() string {
	return uuid.New().String()
}

func newJob(preset models.Preset) *Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Job{
		ID:        NewID(),
		Status:    StatusUploaded,
		Progress:  0,
		Preset:    preset,
		Artifacts: map[string]string{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share maps or pointers with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Artifacts = make(map[string]string, len(j.Artifacts))
	for k, v := range j.Artifacts {
		out.Artifacts[k] = v
	}
	if j.Validation != nil {
		v := *j.Validation
		v.Warnings = append([]string(nil), j.Validation.Warnings...)
		out.Validation = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// SetArtifact records an artifact path. Re-recording the same path is a no-op.
func (j *Job) SetArtifact(key, path string) {
	if j.Artifacts == nil {
		j.Artifacts = map[string]string{}
	}
	j.Artifacts[key] = path
}

func (j *Job) Artifact(key string) (string, bool) {
	p, ok := j.Artifacts[key]
	return p, ok && p != ""
}

// Fail moves the job into StatusError with a classified message.
func (j *Job) Fail(kind ErrorKind, message, detail string) {
	j.Status = StatusError
	j.ErrorKind = kind
	j.ErrorMessage = message
	j.ErrorDetail = detail
}
