package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/common/models"
)

// FileStore keeps one JSON document per job under dir. Records are cached in
// memory and every mutation is written through with an atomic rename.
type FileStore struct {
	dir string

	mu    sync.RWMutex
	jobs  map[string]*Job
	locks map[string]*sync.Mutex
}

func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job store dir: %w", err)
	}
	s := &FileStore{
		dir:   dir,
		jobs:  make(map[string]*Job),
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading job store dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading job record %s: %w", entry.Name(), err)
		}
		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			logger.Log.WithError(err).WithField("path", path).Warn("skipping unreadable job record")
			continue
		}
		if job.Artifacts == nil {
			job.Artifacts = map[string]string{}
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

func (s *FileStore) Create(ctx context.Context, preset models.Preset) (*Job, error) {
	if !preset.Valid() {
		return nil, fmt.Errorf("creating job: unknown preset %q", preset)
	}
	job := newJob(preset)
	lock := s.lockFor(job.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.write(job); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.Clone(), nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *FileStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return nil, ErrJobNotFound
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.jobs[id]
	s.mu.RUnlock()

	next, err := apply(current, fn)
	if err != nil {
		return nil, err
	}
	if err := s.write(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *FileStore) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	all := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, *job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *FileStore) ListActive(ctx context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []Job
	for _, job := range s.jobs {
		if !job.Terminal() {
			active = append(active, *job.Clone())
		}
	}
	sort.Slice(active, func(i, k int) bool { return active[i].CreatedAt.Before(active[k].CreatedAt) })
	return active, nil
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists job durably: temp file, fsync, rename over the old record.
func (s *FileStore) write(job *Job) error {
	payload, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing job %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpName, s.path(job.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	return nil
}
