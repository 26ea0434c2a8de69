package models

import (
	"fmt"
	"strings"
	"time"
)

// Quality presets
type Preset string

const (
	PresetFast     Preset = "fast"
	PresetBalanced Preset = "balanced"
	PresetQuality  Preset = "quality"
)

// AllPresets lists presets in display order.
var AllPresets = []Preset{PresetFast, PresetBalanced, PresetQuality}

func ParsePreset(value string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range AllPresets {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown quality preset %q", value)
}

func (p Preset) Valid() bool {
	_, err := ParsePreset(string(p))
	return err == nil
}

type PresetInfo struct {
	ID               Preset `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// Video metadata reported by the validation stage
type VideoInfo struct {
	DurationSeconds float64 `json:"duration"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Codec           string  `json:"codec"`
	FileSize        int64   `json:"file_size"`
}

type ValidationSummary struct {
	Valid     bool       `json:"valid"`
	VideoInfo *VideoInfo `json:"video_info,omitempty"`
	Errors    []string   `json:"errors,omitempty"`
	Warnings  []string   `json:"warnings"`
}

// API responses
type UploadResponse struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	QualityPreset    Preset     `json:"quality_preset"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Warnings         []string   `json:"warnings,omitempty"`
	VideoInfo        *VideoInfo `json:"video_info,omitempty"`
	Message          string     `json:"message,omitempty"`
}

type ErrorResponse struct {
	JobID    string   `json:"job_id,omitempty"`
	Status   string   `json:"status,omitempty"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type JobStatusResponse struct {
	JobID              string             `json:"job_id"`
	Status             string             `json:"status"`
	Progress           float64            `json:"progress"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	ModelURL           string             `json:"model_url,omitempty"`
	ModelURLCompressed string             `json:"model_url_compressed,omitempty"`
	QualityPreset      Preset             `json:"quality_preset"`
	EstimatedMinutes   int                `json:"estimated_minutes"`
	Validation         *ValidationSummary `json:"validation,omitempty"`
	QueuePosition      *int               `json:"queue_position,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Version            int64              `json:"version"`
}

type PreviewResponse struct {
	PreviewURL    string `json:"preview_url"`
	ModelFilename string `json:"model_filename"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventJobStatus = "job.status"
)
