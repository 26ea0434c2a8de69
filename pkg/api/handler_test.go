package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/pipeline"
	"github.com/splatforge/platform/pkg/stages"
	"github.com/splatforge/platform/pkg/storage"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name   string
	status jobs.Status
	run    func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error)
}

func (f *fakeStage) Name() string        { return f.name }
func (f *fakeStage) Status() jobs.Status { return f.status }
func (f *fakeStage) Run(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
	if err := r.Begin(ctx); err != nil {
		return stages.Output{}, err
	}
	return f.run(ctx, in, r)
}

type testEnv struct {
	store   *jobs.FileStore
	orch    *pipeline.Orchestrator
	layout  storage.Layout
	handler *HTTPHandler
	router  http.Handler
	// quality jobs train until release is closed
	release chan struct{}
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	require.NoError(t, layout.Ensure())
	store, err := jobs.OpenFileStore(layout.JobsDir())
	require.NoError(t, err)
	release := make(chan struct{})

	validate := func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
		path, _ := in.Job.Artifact(jobs.ArtifactUpload)
		content, err := os.ReadFile(path)
		if err != nil {
			return stages.Output{}, err
		}
		if bytes.HasPrefix(content, []byte("short")) {
			report := &stages.ValidationReport{
				Info:     &jobs.ValidationInfo{DurationSeconds: 2, Width: 1920, Height: 1080, FPS: 30, Codec: "h264"},
				Errors:   []string{"Video too short: 2.0s. Minimum: 5s"},
				Warnings: []string{},
			}
			return stages.Output{Validation: report}, &stages.StageError{
				Kind: jobs.ErrorKindValidation, Stage: stages.NameValidate, Message: report.Message(),
			}
		}
		info := &jobs.ValidationInfo{DurationSeconds: 30, Width: 1920, Height: 1080, FPS: 30, Codec: "h264", FileSize: int64(len(content))}
		return stages.Output{Validation: &stages.ValidationReport{Valid: true, Info: info, Warnings: []string{"Low frame rate"}}}, nil
	}
	artifact := func(key string) func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
		return func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
			return stages.Output{Artifacts: map[string]string{key: "/scratch/" + in.Job.ID + "/" + key}}, nil
		}
	}
	train := func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
		if in.Job.Preset == models.PresetQuality {
			select {
			case <-release:
			case <-ctx.Done():
				return stages.Output{}, stages.Classify(stages.NameTrain, ctx.Err())
			}
		}
		r.Progress(0.5)
		return stages.Output{Artifacts: map[string]string{jobs.ArtifactRawModel: "/scratch/raw.ply"}}, nil
	}
	export := func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
		dst := layout.ModelFile(in.Job.ID)
		if err := os.WriteFile(dst, []byte("ply\nend_header\n"), 0o644); err != nil {
			return stages.Output{}, err
		}
		return stages.Output{Artifacts: map[string]string{jobs.ArtifactModel: dst}}, nil
	}
	compress := func(ctx context.Context, in stages.Input, r stages.Reporter) (stages.Output, error) {
		dst := layout.CompressedModelFile(in.Job.ID)
		if err := os.WriteFile(dst, []byte{0x1f, 0x8b, 0x08}, 0o644); err != nil {
			return stages.Output{}, err
		}
		return stages.Output{Artifacts: map[string]string{jobs.ArtifactModelCompressed: dst}}, nil
	}

	pl := []stages.Stage{
		&fakeStage{name: stages.NameValidate, status: jobs.StatusValidating, run: validate},
		&fakeStage{name: stages.NameExtractFrames, status: jobs.StatusExtractingFrames, run: artifact(jobs.ArtifactFrames)},
		&fakeStage{name: stages.NameTrain, status: jobs.StatusTraining, run: train},
		&fakeStage{name: stages.NameExport, status: jobs.StatusExporting, run: export},
		&fakeStage{name: stages.NameCompress, status: jobs.StatusCompressing, run: compress},
	}
	orch := pipeline.New(store, pl, pipeline.Options{Layout: layout})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	opts.Store = store
	opts.Orchestrator = orch
	opts.Layout = layout
	if opts.AllowedExtensions == nil {
		opts.AllowedExtensions = []string{".mp4", ".mov"}
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 1 << 20
	}
	if opts.ValidateWait == 0 {
		opts.ValidateWait = 5 * time.Second
	}
	h := NewHTTPHandler(opts)
	return &testEnv{store: store, orch: orch, layout: layout, handler: h, router: NewRouter(h, "*"), release: release}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	return e.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, filename string, content []byte, preset string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if preset != "" {
		require.NoError(t, mw.WriteField("quality_preset", preset))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) waitStatus(t *testing.T, id string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.store.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestUploadAcceptsVideoAndServesModel(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(uploadRequest(t, "room.MP4", []byte("a perfectly fine video"), "fast"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[models.UploadResponse](t, rec)
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, models.PresetFast, resp.QualityPreset)
	require.Equal(t, 15, resp.EstimatedMinutes)
	require.Equal(t, []string{"Low frame rate"}, resp.Warnings)
	require.NotNil(t, resp.VideoInfo)
	require.Equal(t, 30.0, resp.VideoInfo.DurationSeconds)

	_, err := os.Stat(e.layout.UploadPath(resp.JobID, ".mp4"))
	require.NoError(t, err)

	e.waitStatus(t, resp.JobID, jobs.StatusCompleted)
	status := decode[models.JobStatusResponse](t, e.get("/api/jobs/"+resp.JobID+"/status"))
	require.Equal(t, "completed", status.Status)
	require.Equal(t, 1.0, status.Progress)
	require.Equal(t, "/api/jobs/"+resp.JobID+"/model", status.ModelURL)
	require.Equal(t, "/api/jobs/"+resp.JobID+"/model?compressed=true", status.ModelURLCompressed)
	require.True(t, status.Validation.Valid)
	require.Nil(t, status.QueuePosition)

	model := e.get(status.ModelURL)
	require.Equal(t, http.StatusOK, model.Code)
	require.Equal(t, "ply\nend_header\n", model.Body.String())
	require.Contains(t, model.Header().Get("Content-Disposition"), resp.JobID+".ply")

	compressed := e.get(status.ModelURLCompressed)
	require.Equal(t, http.StatusOK, compressed.Code)
	require.Equal(t, "application/gzip", compressed.Header().Get("Content-Type"))
	require.Equal(t, []byte{0x1f, 0x8b, 0x08}, compressed.Body.Bytes())

	preview := decode[models.PreviewResponse](t, e.get("/api/jobs/"+resp.JobID+"/preview"))
	require.Equal(t, status.ModelURL, preview.PreviewURL)
	require.Equal(t, resp.JobID+".ply", preview.ModelFilename)
}

func TestUploadReportsValidationFailure(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(uploadRequest(t, "clip.mov", []byte("short clip"), ""))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	body := decode[models.ErrorResponse](t, rec)
	require.NotEmpty(t, body.JobID)
	require.Equal(t, "error", body.Status)
	require.Equal(t, []string{"Video too short: 2.0s. Minimum: 5s"}, body.Errors)

	e.waitStatus(t, body.JobID, jobs.StatusError)
	status := decode[models.JobStatusResponse](t, e.get("/api/jobs/"+body.JobID+"/status"))
	require.Equal(t, "error", status.Status)
	require.Zero(t, status.Progress)
	require.Equal(t, models.PresetBalanced, status.QualityPreset)
	require.Contains(t, status.ErrorMessage, "Video too short")
	require.False(t, status.Validation.Valid)
	require.Equal(t, 2.0, status.Validation.VideoInfo.DurationSeconds)
	require.Empty(t, status.ModelURL)

	rec = e.get("/api/jobs/" + body.JobID + "/model")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUploadInputErrorsCreateNoJob(t *testing.T) {
	e := newTestEnv(t, Options{MaxUploadBytes: 1024})
	cases := []struct {
		name    string
		req     *http.Request
		status  int
		message string
	}{
		{"missing file", uploadRequest(t, "", nil, "fast"), http.StatusBadRequest, "No file provided"},
		{"unsupported extension", uploadRequest(t, "clip.avi", []byte("data"), "fast"), http.StatusBadRequest, "Unsupported format: .avi"},
		{"empty file", uploadRequest(t, "clip.mp4", nil, "fast"), http.StatusBadRequest, "Video file is empty"},
		{"unknown preset", uploadRequest(t, "clip.mp4", []byte("data"), "ultra"), http.StatusBadRequest, "Invalid quality preset: ultra"},
		{"too large", uploadRequest(t, "clip.mp4", bytes.Repeat([]byte("x"), 2048), "fast"), http.StatusRequestEntityTooLarge, "File too large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(tc.req)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode[models.ErrorResponse](t, rec)
			require.Len(t, body.Errors, 1)
			require.Contains(t, body.Errors[0], tc.message)
			require.NotNil(t, body.Warnings)
		})
	}

	list, err := e.store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCancelRunningJob(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(uploadRequest(t, "room.mp4", []byte("video"), "quality"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[models.UploadResponse](t, rec).JobID
	e.waitStatus(t, id, jobs.StatusTraining)

	rec = e.get("/api/jobs/" + id + "/model")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "Current status: training")
	require.Equal(t, http.StatusConflict, e.get("/api/jobs/"+id+"/preview").Code)

	rec = e.do(httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.waitStatus(t, id, jobs.StatusError)

	status := decode[models.JobStatusResponse](t, e.get("/api/jobs/"+id+"/status"))
	require.Equal(t, pipeline.MessageCancelled, status.ErrorMessage)
	require.InDelta(t, 0.15, status.Progress, 1e-9)

	rec = e.do(httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownJob(t *testing.T) {
	e := newTestEnv(t, Options{})
	for _, path := range []string{"/api/jobs/nope/status", "/api/jobs/nope/model", "/api/jobs/nope/preview"} {
		rec := e.get(path)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.Equal(t, []string{"Job not found"}, decode[models.ErrorResponse](t, rec).Errors)
	}
	rec := e.do(httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	e := newTestEnv(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := e.store.Create(context.Background(), models.PresetFast)
		require.NoError(t, err)
	}
	list := decode[[]models.JobStatusResponse](t, e.get("/api/jobs?limit=2"))
	require.Len(t, list, 2)
	require.Equal(t, "uploaded", list[0].Status)

	require.Equal(t, http.StatusBadRequest, e.get("/api/jobs?limit=zero").Code)
}

func TestPresets(t *testing.T) {
	e := newTestEnv(t, Options{})
	list := decode[[]models.PresetInfo](t, e.get("/api/presets"))
	require.Len(t, list, 3)
	require.Equal(t, models.PresetFast, list[0].ID)

	one := decode[models.PresetInfo](t, e.get("/api/presets/quality"))
	require.Equal(t, models.PresetQuality, one.ID)
	require.Equal(t, 75, one.EstimatedMinutes)

	require.Equal(t, http.StatusNotFound, e.get("/api/presets/ultra").Code)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	e := newTestEnv(t, Options{ReadyChecks: map[string]ReadyCheck{
		"status_cache": func(context.Context) error { return context.DeadlineExceeded },
	}})
	require.Equal(t, http.StatusOK, e.get("/health").Code)

	rec := e.get("/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	require.Equal(t, "ready", ready.Status)
	require.Equal(t, "ok", ready.Checks["job_store"])
	require.NotEqual(t, "ok", ready.Checks["status_cache"])

	// one request so the http series exist
	e.get("/health")
	metrics := e.get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.Contains(t, metrics.Body.String(), "splatforge_api_http_requests_total")
}

func TestRequestIDAndCORS(t *testing.T) {
	e := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := e.do(req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = e.get("/health")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(httptest.NewRequest(http.MethodOptions, "/api/jobs/upload", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

type mapCache struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
	puts int
}

func (c *mapCache) Get(_ context.Context, id string) (*jobs.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return nil, storage.ErrCacheMiss
	}
	return job.Clone(), nil
}

func (c *mapCache) Put(_ context.Context, job *jobs.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.jobs[job.ID] = job.Clone()
	return nil
}

func TestStatusServedFromCache(t *testing.T) {
	cache := &mapCache{jobs: map[string]*jobs.Job{}}
	e := newTestEnv(t, Options{Cache: cache})

	job, err := e.store.Create(context.Background(), models.PresetBalanced)
	require.NoError(t, err)

	// a miss falls through to the store and refills the cache
	status := decode[models.JobStatusResponse](t, e.get("/api/jobs/"+job.ID+"/status"))
	require.Equal(t, "uploaded", status.Status)
	require.Equal(t, 1, cache.puts)

	cached := job.Clone()
	cached.Status = jobs.StatusValidating
	cached.Version = job.Version + 1
	require.NoError(t, cache.Put(context.Background(), cached))

	status = decode[models.JobStatusResponse](t, e.get("/api/jobs/"+job.ID+"/status"))
	require.Equal(t, "validating", status.Status)
	require.Equal(t, cached.Version, status.Version)
}

func TestStatusHidesOperatorDetail(t *testing.T) {
	e := newTestEnv(t, Options{})
	job, err := e.store.Create(context.Background(), models.PresetFast)
	require.NoError(t, err)
	_, err = e.store.Mutate(context.Background(), job.ID, func(j *jobs.Job) error {
		j.Fail(jobs.ErrorKindExternalTool, "trainer failed with exit code 1", "Traceback: CUDA error: out of memory")
		return nil
	})
	require.NoError(t, err)

	rec := e.get("/api/jobs/" + job.ID + "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "trainer failed with exit code 1")
	require.False(t, strings.Contains(rec.Body.String(), "CUDA"))
	require.False(t, strings.Contains(rec.Body.String(), "external_tool"))
}
