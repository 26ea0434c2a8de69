package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/runner"
)

// ValidationReport is the outcome of inspecting an upload. Info is nil when
// the file could not be probed at all.
type ValidationReport struct {
	Valid    bool
	Info     *jobs.ValidationInfo
	Errors   []string
	Warnings []string
}

func (r *ValidationReport) Message() string {
	return strings.Join(r.Errors, "; ")
}

// Validate probes the upload with ffprobe and applies the acceptance rules.
type Validate struct {
	env *Env
}

func (v *Validate) Name() string        { return NameValidate }
func (v *Validate) Status() jobs.Status { return jobs.StatusValidating }

func (v *Validate) Run(ctx context.Context, in Input, r Reporter) (Output, error) {
	if err := begin(ctx, NameValidate, r); err != nil {
		return Output{}, err
	}
	path, serr := requireArtifact(NameValidate, in.Job, jobs.ArtifactUpload)
	if serr != nil {
		return Output{}, serr
	}

	report, serr := v.Check(ctx, path, in.Params, in.Log)
	if serr != nil {
		return Output{Validation: report}, serr
	}
	out := Output{Validation: report}
	if !report.Valid {
		return out, &StageError{
			Kind:    jobs.ErrorKindValidation,
			Stage:   NameValidate,
			Message: report.Message(),
		}
	}
	r.Progress(1)
	return out, nil
}

// Check applies every rule to the file at path. The returned StageError is
// only set when probing was interrupted or timed out, never for a rejected
// video.
func (v *Validate) Check(ctx context.Context, path string, params config.PresetParams, log io.Writer) (*ValidationReport, *StageError) {
	limits := v.env.Limits
	reject := func(msg string) (*ValidationReport, *StageError) {
		return &ValidationReport{Valid: false, Errors: []string{msg}, Warnings: []string{}}, nil
	}

	stat, err := os.Stat(path)
	if err != nil || !stat.Mode().IsRegular() {
		return reject("Video file not found")
	}
	if stat.Size() == 0 {
		return reject("Video file is empty")
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !ExtensionAllowed(ext, limits.AllowedExtensions) {
		return reject(fmt.Sprintf("Unsupported format: %s. Allowed: %s", ext, strings.Join(limits.AllowedExtensions, ", ")))
	}

	info, serr := v.probe(ctx, path, log)
	if serr != nil {
		return nil, serr
	}
	if info == nil {
		return reject("Could not read video file. File may be corrupted.")
	}
	info.FileSize = stat.Size()

	report := &ValidationReport{Info: info, Errors: []string{}, Warnings: []string{}}
	errorf := func(format string, args ...interface{}) {
		report.Errors = append(report.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...interface{}) {
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	if info.DurationSeconds < limits.MinDuration {
		errorf("Video too short: %.1fs. Minimum: %gs", info.DurationSeconds, limits.MinDuration)
	}
	if limits.MaxDuration > 0 && info.DurationSeconds > limits.MaxDuration {
		errorf("Video too long: %.1fs. Maximum: %gs", info.DurationSeconds, limits.MaxDuration)
	}

	minDim, maxDim := info.Width, info.Height
	if minDim > maxDim {
		minDim, maxDim = maxDim, minDim
	}
	if minDim < limits.MinResolution {
		errorf("Resolution too low: %dx%d. Minimum: %dp", info.Width, info.Height, limits.MinResolution)
	}
	if limits.MaxResolution > 0 && maxDim > limits.MaxResolution {
		warnf("High resolution video (%dx%d) will be downscaled for processing", info.Width, info.Height)
	}
	if info.Width%2 != 0 || info.Height%2 != 0 {
		warnf("Video dimensions are odd; may cause encoding issues")
	}

	if info.FPS < 15 {
		warnf("Low frame rate (%.1f fps) may result in lower quality reconstruction", info.FPS)
	}
	if info.FPS > 60 {
		warnf("High frame rate (%.1f fps) - frames will be sampled for efficiency", info.FPS)
	}

	if limits.MaxFileSize > 0 && info.FileSize > limits.MaxFileSize {
		errorf("File too large: %.1fMB. Maximum: %.0fMB", float64(info.FileSize)/(1024*1024), float64(limits.MaxFileSize)/(1024*1024))
	}

	estimated := int(info.DurationSeconds * params.FrameRate)
	if estimated < limits.MinFrames {
		errorf("Not enough frames for reconstruction. Video would produce only %d frames. Minimum: %d", estimated, limits.MinFrames)
	}
	if limits.MaxFramesAdvisory > 0 && estimated > limits.MaxFramesAdvisory {
		warnf("Large video (%d frames at %g FPS). Consider using a shorter clip for faster processing.", estimated, params.FrameRate)
	}

	info.Warnings = report.Warnings
	report.Valid = len(report.Errors) == 0
	return report, nil
}

func ExtensionAllowed(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration flexFloat `json:"duration"`
		Size     flexFloat `json:"size"`
	} `json:"format"`
}

// flexFloat accepts ffprobe numbers, which arrive as JSON strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" || s == "N/A" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

const maxProbeOutput = 1 << 20

// probe returns nil info when the file is unreadable. A StageError is
// returned only for cancellation or a probe timeout.
func (v *Validate) probe(ctx context.Context, path string, log io.Writer) (*jobs.ValidationInfo, *StageError) {
	var stdout bytes.Buffer
	res := v.env.Runner.Run(ctx, runner.Command{
		Name:    v.env.Tools.FFprobe,
		Args:    []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", path},
		Timeout: v.env.Tools.ProbeTimeout,
		OnOutput: func(stream runner.Stream, chunk []byte) {
			if stream == runner.Stdout && stdout.Len()+len(chunk) <= maxProbeOutput {
				stdout.Write(chunk)
			}
			if log != nil && stream == runner.Stderr {
				log.Write(chunk)
			}
		},
	})
	if res.Cancelled || res.TimedOut {
		return nil, FromResult(NameValidate, "ffprobe", res)
	}
	entry := logger.WithField("path", path)
	if !res.Success() {
		entry.WithField("exit_code", res.ExitCode).WithField("timed_out", res.TimedOut).Warn("ffprobe failed")
		return nil, nil
	}

	var parsed probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		entry.WithError(err).Warn("unparseable ffprobe output")
		return nil, nil
	}
	for _, s := range parsed.Streams {
		if s.CodecType != "video" {
			continue
		}
		codec := s.CodecName
		if codec == "" {
			codec = "unknown"
		}
		return &jobs.ValidationInfo{
			DurationSeconds: float64(parsed.Format.Duration),
			Width:           s.Width,
			Height:          s.Height,
			FPS:             parseFrameRate(s.RFrameRate),
			Codec:           codec,
			FileSize:        int64(parsed.Format.Size),
		}, nil
	}
	entry.Warn("no video stream found")
	return nil, nil
}

// parseFrameRate reads "30000/1001" or "29.97", defaulting to 30.
func parseFrameRate(s string) float64 {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d <= 0 {
			return 30
		}
		return n / d
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 30
	}
	return f
}
