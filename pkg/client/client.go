// Package client talks to the reconstruction service over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/models"
	"github.com/splatforge/platform/pkg/gateway/httpclient"
)

type Client struct {
	baseURL   string
	http      *http.Client
	attempts  int
	baseDelay time.Duration
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.New(5 * time.Minute)
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		attempts:  3,
		baseDelay: 200 * time.Millisecond,
	}
}

func FromConfig(cfg *config.Config) *Client {
	c := New(cfg.APIBaseURL, httpclient.New(cfg.ClientTimeout))
	c.attempts = cfg.ClientRetryCount
	c.baseDelay = time.Duration(cfg.ClientRetryBaseMs) * time.Millisecond
	return c
}

// UploadError carries the service's answer to a rejected upload. JobID is
// set when the video was accepted but failed validation.
type UploadError struct {
	Code     int
	JobID    string
	Errors   []string
	Warnings []string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload rejected (%d): %s", e.Code, strings.Join(e.Errors, "; "))
}

// Upload sends a video. Uploads are never retried: a retry could create a
// second job.
func (c *Client) Upload(ctx context.Context, path string, preset models.Preset) (*models.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, f, filepath.Base(path), preset)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs/upload", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var body models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, &httpclient.StatusError{Code: resp.StatusCode}
		}
		return nil, &UploadError{Code: resp.StatusCode, JobID: body.JobID, Errors: body.Errors, Warnings: body.Warnings}
	}
	var out models.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &out, nil
}

func writeUploadForm(mw *multipart.Writer, src io.Reader, name string, preset models.Preset) error {
	if preset != "" {
		if err := mw.WriteField("quality_preset", string(preset)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

func (c *Client) Status(ctx context.Context, jobID string) (*models.JobStatusResponse, error) {
	var out models.JobStatusResponse
	if err := c.getJSON(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, limit int) ([]models.JobStatusResponse, error) {
	var out []models.JobStatusResponse
	path := "/api/jobs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Presets(ctx context.Context) ([]models.PresetInfo, error) {
	var out []models.PresetInfo
	if err := c.getJSON(ctx, "/api/presets", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

// Download streams the finished model into w and returns the byte count.
func (c *Client) Download(ctx context.Context, jobID string, compressed bool, w io.Writer) (int64, error) {
	path := c.baseURL + "/api/jobs/" + url.PathEscape(jobID) + "/model"
	if compressed {
		path += "?compressed=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	return io.Copy(w, resp.Body)
}

// Wait polls until the job is terminal. onUpdate sees every poll result.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*models.JobStatusResponse)) (*models.JobStatusResponse, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(status)
		}
		if status.Status == "completed" || status.Status == "error" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return httpclient.Retry(ctx, c.attempts, c.baseDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		return nil
	})
}

func statusError(resp *http.Response) error {
	var body models.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return &httpclient.StatusError{Code: resp.StatusCode}
	}
	return &httpclient.StatusError{Code: resp.StatusCode, Errors: body.Errors}
}

// IsNotFound reports whether err is the service saying the job does not exist.
func IsNotFound(err error) bool {
	var statusErr *httpclient.StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound
}
