package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splatforge/platform/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// PresetParams are the stage inputs selected by a quality preset.
type PresetParams struct {
	Name             string        `yaml:"name"`
	Description      string        `yaml:"description"`
	FrameRate        float64       `yaml:"frame_rate"`
	Iterations       int           `yaml:"iterations"`
	Resolution       int           `yaml:"resolution"`
	ExtractTimeout   time.Duration `yaml:"extract_timeout"`
	TrainTimeout     time.Duration `yaml:"train_timeout"`
	EstimatedMinutes int           `yaml:"estimated_minutes"`
}

type PresetTable map[models.Preset]PresetParams

type presetsFile struct {
	Presets map[string]PresetParams `yaml:"presets"`
}

func DefaultPresets() PresetTable {
	return PresetTable{
		models.PresetFast: {
			Name:             "Fast",
			Description:      "Quick preview reconstruction with fewer frames and iterations",
			FrameRate:        1.0,
			Iterations:       7000,
			Resolution:       2,
			ExtractTimeout:   10 * time.Minute,
			TrainTimeout:     1 * time.Hour,
			EstimatedMinutes: 15,
		},
		models.PresetBalanced: {
			Name:             "Balanced",
			Description:      "Good quality at a reasonable processing time",
			FrameRate:        2.0,
			Iterations:       15000,
			Resolution:       1,
			ExtractTimeout:   15 * time.Minute,
			TrainTimeout:     2 * time.Hour,
			EstimatedMinutes: 35,
		},
		models.PresetQuality: {
			Name:             "Quality",
			Description:      "Highest fidelity reconstruction, slowest to train",
			FrameRate:        3.0,
			Iterations:       30000,
			Resolution:       1,
			ExtractTimeout:   20 * time.Minute,
			TrainTimeout:     4 * time.Hour,
			EstimatedMinutes: 75,
		},
	}
}

// LoadPresets returns the built-in table, overridden field by field from path
// when one is given. The result is always validated.
func LoadPresets(path string) (PresetTable, error) {
	table := DefaultPresets()
	if path == "" {
		return table, table.Validate()
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}

	var file presetsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing presets file: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, errors.New("presets file defines no presets")
	}
	for key, override := range file.Presets {
		preset, err := models.ParsePreset(key)
		if err != nil {
			return nil, err
		}
		table[preset] = merge(table[preset], override)
	}
	return table, table.Validate()
}

func merge(base, override PresetParams) PresetParams {
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Description != "" {
		base.Description = override.Description
	}
	if override.FrameRate != 0 {
		base.FrameRate = override.FrameRate
	}
	if override.Iterations != 0 {
		base.Iterations = override.Iterations
	}
	if override.Resolution != 0 {
		base.Resolution = override.Resolution
	}
	if override.ExtractTimeout != 0 {
		base.ExtractTimeout = override.ExtractTimeout
	}
	if override.TrainTimeout != 0 {
		base.TrainTimeout = override.TrainTimeout
	}
	if override.EstimatedMinutes != 0 {
		base.EstimatedMinutes = override.EstimatedMinutes
	}
	return base
}

func (t PresetTable) Validate() error {
	for _, preset := range models.AllPresets {
		p, ok := t[preset]
		if !ok {
			return fmt.Errorf("preset %q missing", preset)
		}
		switch {
		case p.FrameRate <= 0:
			return fmt.Errorf("preset %q: frame_rate must be positive", preset)
		case p.Iterations <= 0:
			return fmt.Errorf("preset %q: iterations must be positive", preset)
		case p.Resolution <= 0:
			return fmt.Errorf("preset %q: resolution must be positive", preset)
		case p.ExtractTimeout <= 0 || p.TrainTimeout <= 0:
			return fmt.Errorf("preset %q: timeouts must be positive", preset)
		case p.EstimatedMinutes <= 0:
			return fmt.Errorf("preset %q: estimated_minutes must be positive", preset)
		}
	}
	if len(t) != len(models.AllPresets) {
		return fmt.Errorf("preset table has %d entries, want %d", len(t), len(models.AllPresets))
	}
	return nil
}

// Lookup resolves a preset, rejecting anything outside the closed set.
func (t PresetTable) Lookup(preset models.Preset) (PresetParams, error) {
	p, ok := t[preset]
	if !ok {
		return PresetParams{}, fmt.Errorf("unknown quality preset %q", preset)
	}
	return p, nil
}

func (t PresetTable) Info() []models.PresetInfo {
	out := make([]models.PresetInfo, 0, len(models.AllPresets))
	for _, preset := range models.AllPresets {
		p := t[preset]
		out = append(out, models.PresetInfo{
			ID:               preset,
			Name:             p.Name,
			Description:      p.Description,
			EstimatedMinutes: p.EstimatedMinutes,
		})
	}
	return out
}
