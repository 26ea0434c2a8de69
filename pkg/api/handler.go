package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/gateway/middleware"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/observability/metrics"
	"github.com/splatforge/platform/pkg/pipeline"
	"github.com/splatforge/platform/pkg/storage"
)

const Version = "0.3.0"

// multipartOverhead is headroom for form fields and boundaries on top of
// the largest accepted file.
const multipartOverhead = 1 << 20

// StatusReader serves recent job versions without touching the store.
type StatusReader interface {
	Get(ctx context.Context, jobID string) (*jobs.Job, error)
	Put(ctx context.Context, job *jobs.Job) error
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Options struct {
	Store        jobs.Store
	Orchestrator *pipeline.Orchestrator
	Presets      config.PresetTable
	Layout       storage.Layout
	// Cache is optional.
	Cache             StatusReader
	AllowedExtensions []string
	MaxUploadBytes    int64
	ValidateWait      time.Duration
	UploadRateLimit   int
	ReadyChecks       map[string]ReadyCheck
}

type HTTPHandler struct {
	store        jobs.Store
	orch         *pipeline.Orchestrator
	presets      config.PresetTable
	layout       storage.Layout
	cache        StatusReader
	allowed      []string
	maxUpload    int64
	validateWait time.Duration
	rateLimit    int
	readyChecks  map[string]ReadyCheck
}

func NewHTTPHandler(opts Options) *HTTPHandler {
	presets := opts.Presets
	if presets == nil {
		presets = config.DefaultPresets()
	}
	wait := opts.ValidateWait
	if wait <= 0 {
		wait = 15 * time.Second
	}
	return &HTTPHandler{
		store:        opts.Store,
		orch:         opts.Orchestrator,
		presets:      presets,
		layout:       opts.Layout,
		cache:        opts.Cache,
		allowed:      opts.AllowedExtensions,
		maxUpload:    opts.MaxUploadBytes,
		validateWait: wait,
		rateLimit:    opts.UploadRateLimit,
		readyChecks:  opts.ReadyChecks,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/api/presets", h.handlePresets).Methods(http.MethodGet)
	router.HandleFunc("/api/presets/{id}", h.handlePreset).Methods(http.MethodGet)

	upload := http.Handler(http.HandlerFunc(h.handleUpload))
	if h.maxUpload > 0 {
		upload = middleware.BodyLimit(h.maxUpload + multipartOverhead)(upload)
	}
	upload = middleware.RateLimit(h.rateLimit, max(h.rateLimit, 1)*5)(upload)
	router.Handle("/api/jobs/upload", upload).Methods(http.MethodPost)

	router.HandleFunc("/api/jobs", h.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{id}/status", h.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{id}/model", h.handleModel).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{id}/preview", h.handlePreview).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
}

// NewRouter builds the full service router with the standard middleware.
func NewRouter(h *HTTPHandler, corsOrigin string) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Logging, middleware.Recovery)
	h.Register(router)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrors(w, http.StatusNotFound, "Not found")
	})
	return middleware.CORS(corsOrigin)(router)
}

func (h *HTTPHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Gaussian Splatting Room Reconstruction API",
		"version": Version,
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if _, err := h.store.List(ctx, 1); err != nil {
		checks["job_store"] = err.Error()
		ready = false
	} else {
		checks["job_store"] = "ok"
	}
	for name, check := range h.readyChecks {
		if err := check(ctx); err != nil {
			// optional dependencies degrade, they do not block traffic
			logger.Log.WithError(err).WithField("check", name).Warn("readiness check failed")
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

func (h *HTTPHandler) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.presets.Info())
}

func (h *HTTPHandler) handlePreset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	preset, err := models.ParsePreset(id)
	if err != nil {
		writeErrors(w, http.StatusNotFound, "Preset '"+id+"' not found")
		return
	}
	for _, info := range h.presets.Info() {
		if info.ID == preset {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeErrors(w, http.StatusNotFound, "Preset '"+id+"' not found")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.WithError(err).Warn("failed to write response")
	}
}

func writeErrors(w http.ResponseWriter, status int, errs ...string) {
	writeJSON(w, status, models.ErrorResponse{Errors: errs, Warnings: []string{}})
}
