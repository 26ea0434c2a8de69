package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/common/models"
)

// Archiver appends job events to a gzip file as JSON lines. Every call to
// Handle writes one complete gzip member, so a crash never corrupts what is
// already on disk and readers see a single multistream file.
type Archiver struct {
	path string

	mu      sync.Mutex
	written int
}

func NewArchiver(path string) (*Archiver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Archiver{path: path}, nil
}

// Handle archives job status events and skips everything else.
func (a *Archiver) Handle(ctx context.Context, event models.Event) error {
	if event.Type != models.EventJobStatus {
		logger.Log.WithField("type", event.Type).Debug("Skipping non job event")
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", a.path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.written++
	return nil
}

// Written is the number of events archived since start.
func (a *Archiver) Written() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written
}
