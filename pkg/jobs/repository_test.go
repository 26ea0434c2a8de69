package jobs

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/splatforge/platform/pkg/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupRepository(t *testing.T) *Repository {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo := NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}

func TestRepositoryMutateSerializesWriters(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	job, err := repo.Create(ctx, models.PresetBalanced)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, job.ID, func(j *Job) error {
				j.Progress += 0.01
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	current, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.2, current.Progress, 1e-9)
}

func TestRepositoryRoundTripsValidationAndArtifacts(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	job, err := repo.Create(ctx, models.PresetFast)
	require.NoError(t, err)

	_, err = repo.Mutate(ctx, job.ID, func(j *Job) error {
		j.Status = StatusValidating
		j.Validation = &ValidationInfo{DurationSeconds: 30, Width: 1920, Height: 1080, FPS: 30, Warnings: []string{"w"}}
		j.SetArtifact(ArtifactUpload, "/uploads/x.mp4")
		return nil
	})
	require.NoError(t, err)

	current, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusValidating, current.Status)
	require.Equal(t, 1920, current.Validation.Width)
	require.Equal(t, "/uploads/x.mp4", current.Artifacts[ArtifactUpload])

	_, err = repo.Get(ctx, "not-a-uuid")
	require.ErrorIs(t, err, ErrJobNotFound)
}
