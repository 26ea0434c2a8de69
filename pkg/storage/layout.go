package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Layout maps job ids to their on-disk locations below a single root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// Ensure creates the top-level directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.UploadsDir(), l.FramesRoot(), l.ModelsDir(), l.LogsDir(), l.JobsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) UploadsDir() string { return filepath.Join(l.Root, "uploads") }
func (l Layout) FramesRoot() string { return filepath.Join(l.Root, "frames") }
func (l Layout) ModelsDir() string  { return filepath.Join(l.Root, "models") }
func (l Layout) LogsDir() string    { return filepath.Join(l.Root, "logs") }
func (l Layout) JobsDir() string    { return filepath.Join(l.Root, "jobs") }

// UploadPath is where the raw upload for jobID is kept. ext includes the dot.
func (l Layout) UploadPath(jobID, ext string) string {
	return filepath.Join(l.UploadsDir(), jobID+strings.ToLower(ext))
}

func (l Layout) FramesDir(jobID string) string {
	return filepath.Join(l.FramesRoot(), jobID)
}

// SceneDir is the trainer's staging directory, a sibling of the frames dir.
func (l Layout) SceneDir(jobID string) string {
	return filepath.Join(l.FramesRoot(), "scene_"+jobID)
}

// RawModelDir receives everything the trainer writes.
func (l Layout) RawModelDir(jobID string) string {
	return filepath.Join(l.ModelsDir(), jobID)
}

func (l Layout) ModelFile(jobID string) string {
	return filepath.Join(l.ModelsDir(), jobID+".ply")
}

func (l Layout) CompressedModelFile(jobID string) string {
	return l.ModelFile(jobID) + ".gz"
}

func (l Layout) StageLog(jobID, stage string) string {
	return filepath.Join(l.LogsDir(), jobID, stage+".log")
}

func (l Layout) AppLog() string {
	return filepath.Join(l.LogsDir(), "app.log")
}
