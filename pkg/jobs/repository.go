package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/splatforge/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the postgres row backing a Job.
type Record struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Status       string            `gorm:"column:status;index"`
	Progress     float64           `gorm:"column:progress"`
	Preset       string            `gorm:"column:quality_preset"`
	Validation   datatypes.JSON    `gorm:"column:validation_info"`
	ErrorMessage string            `gorm:"column:error_message"`
	ErrorKind    string            `gorm:"column:error_kind"`
	ErrorDetail  string            `gorm:"column:error_detail"`
	Artifacts    datatypes.JSONMap `gorm:"column:artifact_paths"`
	Version      int64             `gorm:"column:version"`
	CreatedAt    time.Time         `gorm:"column:created_at;index"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (Record) TableName() string {
	return "reconstruction_jobs"
}

// Repository is the postgres Store. Mutations lock the row for the duration
// of the transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

func (r *Repository) Create(ctx context.Context, preset models.Preset) (*Job, error) {
	if !preset.Valid() {
		return nil, fmt.Errorf("creating job: unknown preset %q", preset)
	}
	job := newJob(preset)
	rec, err := toRecord(job)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return job, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrJobNotFound
	}
	var rec Record
	result := r.db.WithContext(ctx).First(&rec, "id = ?", jobID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return fromRecord(&rec)
}

func (r *Repository) Mutate(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrJobNotFound
	}

	var out *Job
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "id = ?", jobID)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		current, err := fromRecord(&rec)
		if err != nil {
			return err
		}
		next, err := apply(current, fn)
		if err != nil {
			return err
		}
		updated, err := toRecord(next)
		if err != nil {
			return err
		}
		if err := tx.Save(updated).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []Record
	if err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

func (r *Repository) ListActive(ctx context.Context) ([]Job, error) {
	var recs []Record
	result := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(StatusCompleted), string(StatusError)}).
		Order("created_at asc").
		Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}
	return fromRecords(recs)
}

func toRecord(job *Job) (*Record, error) {
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", job.ID, err)
	}
	artifacts := datatypes.JSONMap{}
	for k, v := range job.Artifacts {
		artifacts[k] = v
	}
	rec := &Record{
		ID:           id,
		Status:       string(job.Status),
		Progress:     job.Progress,
		Preset:       string(job.Preset),
		ErrorMessage: job.ErrorMessage,
		ErrorKind:    string(job.ErrorKind),
		ErrorDetail:  job.ErrorDetail,
		Artifacts:    artifacts,
		Version:      job.Version,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.Validation != nil {
		payload, err := json.Marshal(job.Validation)
		if err != nil {
			return nil, err
		}
		rec.Validation = datatypes.JSON(payload)
	}
	return rec, nil
}

func fromRecord(rec *Record) (*Job, error) {
	job := &Job{
		ID:           rec.ID.String(),
		Status:       Status(rec.Status),
		Progress:     rec.Progress,
		Preset:       models.Preset(rec.Preset),
		ErrorMessage: rec.ErrorMessage,
		ErrorKind:    ErrorKind(rec.ErrorKind),
		ErrorDetail:  rec.ErrorDetail,
		Artifacts:    map[string]string{},
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
		StartedAt:    rec.StartedAt,
		CompletedAt:  rec.CompletedAt,
	}
	for k, v := range rec.Artifacts {
		if s, ok := v.(string); ok {
			job.Artifacts[k] = s
		}
	}
	if len(rec.Validation) > 0 && string(rec.Validation) != "null" {
		var info ValidationInfo
		if err := json.Unmarshal(rec.Validation, &info); err != nil {
			return nil, fmt.Errorf("decoding validation info for %s: %w", job.ID, err)
		}
		job.Validation = &info
	}
	return job, nil
}

func fromRecords(recs []Record) ([]Job, error) {
	out := make([]Job, 0, len(recs))
	for i := range recs {
		job, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}
