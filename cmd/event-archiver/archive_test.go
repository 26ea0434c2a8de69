package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/stretchr/testify/require"
)

func readArchive(t *testing.T, path string) []models.Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var events []models.Event
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var e models.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestArchiverAppendsJobEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl.gz")
	a, err := NewArchiver(path)
	require.NoError(t, err)

	ctx := context.Background()
	for i, status := range []string{"validating", "training", "completed"} {
		require.NoError(t, a.Handle(ctx, models.Event{
			ID:        string(rune('a' + i)),
			Type:      models.EventJobStatus,
			Source:    "reconstruction-service",
			Data:      map[string]interface{}{"job_id": "job-1", "status": status},
			Timestamp: time.Now().UTC(),
		}))
	}

	events := readArchive(t, path)
	require.Len(t, events, 3)
	require.Equal(t, "completed", events[2].Data["status"])
	require.Equal(t, 3, a.Written())
}

func TestArchiverSkipsOtherEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl.gz")
	a, err := NewArchiver(path)
	require.NoError(t, err)

	require.NoError(t, a.Handle(context.Background(), models.Event{ID: "x", Type: "something.else"}))
	require.Equal(t, 0, a.Written())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestArchiverSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl.gz")
	first, err := NewArchiver(path)
	require.NoError(t, err)
	require.NoError(t, first.Handle(context.Background(), models.Event{ID: "1", Type: models.EventJobStatus}))

	second, err := NewArchiver(path)
	require.NoError(t, err)
	require.NoError(t, second.Handle(context.Background(), models.Event{ID: "2", Type: models.EventJobStatus}))

	events := readArchive(t, path)
	require.Len(t, events, 2)
	require.Equal(t, "2", events[1].ID)
}
