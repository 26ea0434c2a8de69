package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/pipeline"
	"github.com/splatforge/platform/pkg/stages"
	"github.com/splatforge/platform/pkg/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	formMemory       = 32 << 20
)

// InputError rejects an upload before any job exists.
type InputError struct {
	Status int
	Errors []string
}

func (e *InputError) Error() string {
	return strings.Join(e.Errors, "; ")
}

func inputError(status int, format string, args ...interface{}) *InputError {
	return &InputError{Status: status, Errors: []string{fmt.Sprintf(format, args...)}}
}

type uploadForm struct {
	preset models.Preset
	ext    string
	file   multipart.File
}

// parseUpload applies the checks that need no video inspection.
func (h *HTTPHandler) parseUpload(r *http.Request) (*uploadForm, error) {
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, inputError(http.StatusRequestEntityTooLarge, "File too large. Maximum: %dMB", h.maxUpload/(1024*1024))
		}
		return nil, inputError(http.StatusBadRequest, "Invalid multipart form: %v", err)
	}

	preset := models.PresetBalanced
	if raw := r.FormValue("quality_preset"); raw != "" {
		p, err := models.ParsePreset(raw)
		if err != nil {
			return nil, inputError(http.StatusBadRequest, "Invalid quality preset: %s. Allowed: fast, balanced, quality", raw)
		}
		preset = p
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, inputError(http.StatusBadRequest, "No file provided")
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !stages.ExtensionAllowed(ext, h.allowed) {
		file.Close()
		return nil, inputError(http.StatusBadRequest, "Unsupported format: %s. Allowed: %s", ext, strings.Join(h.allowed, ", "))
	}
	if header.Size == 0 {
		file.Close()
		return nil, inputError(http.StatusBadRequest, "Video file is empty")
	}
	if h.maxUpload > 0 && header.Size > h.maxUpload {
		file.Close()
		return nil, inputError(http.StatusRequestEntityTooLarge, "File too large: %.1fMB. Maximum: %dMB",
			float64(header.Size)/(1024*1024), h.maxUpload/(1024*1024))
	}
	return &uploadForm{preset: preset, ext: ext, file: file}, nil
}

func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	up, err := h.parseUpload(r)
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	if err != nil {
		var inErr *InputError
		if errors.As(err, &inErr) {
			writeErrors(w, inErr.Status, inErr.Errors...)
			return
		}
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	defer up.file.Close()

	ctx := r.Context()
	job, err := h.store.Create(ctx, up.preset)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create job")
		writeErrors(w, http.StatusInternalServerError, "Could not create job")
		return
	}
	id := job.ID
	log := logger.ForJob(id)

	path := h.layout.UploadPath(id, up.ext)
	if err := saveUpload(up.file, path); err != nil {
		log.WithError(err).Error("failed to store upload")
		h.abandon(id, "Upload failed: could not store the video", err)
		writeErrors(w, http.StatusInternalServerError, "Upload failed: could not store the video")
		return
	}
	job, err = h.store.Mutate(ctx, id, func(j *jobs.Job) error {
		j.SetArtifact(jobs.ArtifactUpload, path)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("failed to record upload")
		h.abandon(id, "Upload failed", err)
		writeErrors(w, http.StatusInternalServerError, "Upload failed")
		return
	}

	task, err := h.orch.Submit(job)
	if err != nil {
		log.WithError(err).Error("failed to submit job")
		h.abandon(id, "Service is shutting down", err)
		writeErrors(w, http.StatusServiceUnavailable, "Service is shutting down, try again later")
		return
	}
	log.WithField("preset", up.preset).Info("upload accepted")

	h.respondAfterValidation(ctx, w, task, job)
}

// respondAfterValidation waits a bounded time for the validation outcome so
// an unusable video is reported on the upload itself.
func (h *HTTPHandler) respondAfterValidation(ctx context.Context, w http.ResponseWriter, task *pipeline.Task, job *jobs.Job) {
	params, _ := h.presets.Lookup(job.Preset)
	resp := models.UploadResponse{
		JobID:            job.ID,
		Status:           string(job.Status),
		QualityPreset:    job.Preset,
		EstimatedMinutes: params.EstimatedMinutes,
		Warnings:         []string{},
	}

	timer := time.NewTimer(h.validateWait)
	defer timer.Stop()
	select {
	case <-task.Validated():
	case <-timer.C:
		resp.Message = "Video uploaded successfully. Validation is still running; poll the status endpoint."
		h.refreshStatus(ctx, &resp)
		writeJSON(w, http.StatusAccepted, resp)
		return
	case <-ctx.Done():
		return
	}

	report := task.Validation()
	if report == nil {
		// the job ended before the video was inspected
		current, err := h.store.Get(ctx, job.ID)
		if err == nil && current.Status == jobs.StatusError {
			writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
				JobID: job.ID, Status: string(jobs.StatusError), Errors: []string{current.ErrorMessage}, Warnings: []string{},
			})
			return
		}
		h.refreshStatus(ctx, &resp)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	warnings := report.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	if !report.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			JobID:    job.ID,
			Status:   string(jobs.StatusError),
			Errors:   report.Errors,
			Warnings: warnings,
		})
		return
	}

	resp.Warnings = warnings
	resp.VideoInfo = videoInfo(report.Info)
	resp.Message = "Video uploaded successfully. Processing started."
	h.refreshStatus(ctx, &resp)
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *HTTPHandler) refreshStatus(ctx context.Context, resp *models.UploadResponse) {
	if current, err := h.store.Get(ctx, resp.JobID); err == nil {
		resp.Status = string(current.Status)
	}
}

// abandon ends a job whose upload could not be handed to the pipeline.
func (h *HTTPHandler) abandon(jobID, message string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.store.Mutate(ctx, jobID, func(j *jobs.Job) error {
		j.Fail(jobs.ErrorKindInternal, message, cause.Error())
		return nil
	})
	if err != nil {
		logger.ForJob(jobID).WithError(err).Error("failed to mark abandoned job")
	}
}

func saveUpload(src io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// lookup serves from the status cache when possible and refills it from
// the store on a miss.
func (h *HTTPHandler) lookup(ctx context.Context, id string) (*jobs.Job, error) {
	if h.cache != nil {
		job, err := h.cache.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, storage.ErrCacheMiss) {
			logger.ForJob(id).WithError(err).Warn("status cache read failed")
		}
	}
	job, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		if err := h.cache.Put(ctx, job); err != nil {
			logger.ForJob(id).WithError(err).Debug("status cache refill failed")
		}
	}
	return job, nil
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.lookup(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, h.project(job))
}

func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrors(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.store.List(r.Context(), limit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list jobs")
		writeErrors(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]models.JobStatusResponse, 0, len(list))
	for i := range list {
		out = append(out, h.project(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeErrors(w, http.StatusConflict, fmt.Sprintf("Job not completed. Current status: %s", job.Status))
		return
	}

	key, contentType, name := jobs.ArtifactModel, "application/octet-stream", job.ID+".ply"
	if compressed, _ := strconv.ParseBool(r.URL.Query().Get("compressed")); compressed {
		key, contentType, name = jobs.ArtifactModelCompressed, "application/gzip", job.ID+".ply.gz"
	}
	path, ok := job.Artifact(key)
	if !ok {
		writeErrors(w, http.StatusNotFound, "Model file not found")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		logger.ForJob(id).WithError(err).Warn("model file missing on disk")
		writeErrors(w, http.StatusNotFound, "Model file not found on disk")
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		writeErrors(w, http.StatusNotFound, "Model file not found on disk")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, stat.ModTime(), f)
}

func (h *HTTPHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.lookup(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeErrors(w, http.StatusConflict, "Model not ready for preview")
		return
	}
	writeJSON(w, http.StatusOK, models.PreviewResponse{
		PreviewURL:    modelURL(job.ID, false),
		ModelFilename: job.ID + ".ply",
	})
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}
	if job.Terminal() {
		writeErrors(w, http.StatusConflict, fmt.Sprintf("Job already finished with status %s", job.Status))
		return
	}
	if err := h.orch.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			writeErrors(w, http.StatusConflict, "Job is not running on this instance")
			return
		}
		logger.ForJob(id).WithError(err).Error("failed to cancel job")
		writeErrors(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func (h *HTTPHandler) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeErrors(w, http.StatusNotFound, "Job not found")
		return
	}
	logger.ForJob(id).WithError(err).Error("failed to load job")
	writeErrors(w, http.StatusInternalServerError, "internal error")
}

// project is the client view of a job. Operator detail such as the error
// kind and stderr tail never leaves the service.
func (h *HTTPHandler) project(job *jobs.Job) models.JobStatusResponse {
	params, _ := h.presets.Lookup(job.Preset)
	resp := models.JobStatusResponse{
		JobID:            job.ID,
		Status:           string(job.Status),
		Progress:         job.Progress,
		ErrorMessage:     job.ErrorMessage,
		QualityPreset:    job.Preset,
		EstimatedMinutes: params.EstimatedMinutes,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		Version:          job.Version,
	}
	if job.Status == jobs.StatusCompleted {
		if _, ok := job.Artifact(jobs.ArtifactModel); ok {
			resp.ModelURL = modelURL(job.ID, false)
		}
		if _, ok := job.Artifact(jobs.ArtifactModelCompressed); ok {
			resp.ModelURLCompressed = modelURL(job.ID, true)
		}
	}
	if job.Validation != nil || job.ErrorKind == jobs.ErrorKindValidation {
		summary := &models.ValidationSummary{
			Valid:     job.ErrorKind != jobs.ErrorKindValidation,
			VideoInfo: videoInfo(job.Validation),
			Warnings:  []string{},
		}
		if job.Validation != nil && job.Validation.Warnings != nil {
			summary.Warnings = job.Validation.Warnings
		}
		if !summary.Valid {
			summary.Errors = strings.Split(job.ErrorMessage, "; ")
		}
		resp.Validation = summary
	}
	if !job.Terminal() && h.orch != nil {
		if pos, ok := h.orch.QueuePosition(job.ID); ok {
			resp.QueuePosition = &pos
		}
	}
	return resp
}

func modelURL(jobID string, compressed bool) string {
	u := "/api/jobs/" + jobID + "/model"
	if compressed {
		u += "?compressed=true"
	}
	return u
}

func videoInfo(info *jobs.ValidationInfo) *models.VideoInfo {
	if info == nil {
		return nil
	}
	return &models.VideoInfo{
		DurationSeconds: info.DurationSeconds,
		Width:           info.Width,
		Height:          info.Height,
		FPS:             info.FPS,
		Codec:           info.Codec,
		FileSize:        info.FileSize,
	}
}
