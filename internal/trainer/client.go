// Package trainer is the HTTP boundary with the ML training backend. Only
// the configuration surface is covered: reading and patching training
// options and listing available base models.
package trainer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/graphrun/pkg/schema"
)

const defaultTimeout = 15 * time.Second

// Options is the training backend's configuration document. Fields mirror
// the backend's wire names.
type Options struct {
	BaseModel    string  `json:"base_model,omitempty"`
	OutputDir    string  `json:"output_dir,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	Epochs       int     `json:"epochs,omitempty"`
	Resolution   int     `json:"resolution,omitempty"`
}

// Model describes one base model available on the training backend.
type Model struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Client is the training backend's config CRUD client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// GetOptions fetches the current training configuration.
func (c *Client) GetOptions(ctx context.Context) (*Options, error) {
	var opts Options
	if err := c.do(ctx, http.MethodGet, "/config", nil, &opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// PatchOptions applies a partial update to the training configuration and
// returns the resulting document.
func (c *Client) PatchOptions(ctx context.Context, patch map[string]any) (*Options, error) {
	var opts Options
	if err := c.do(ctx, http.MethodPatch, "/config", patch, &opts); err != nil {
		return nil, err
	}
	return &opts, nil
}

// ListModels lists the base models the backend can train from.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.do(ctx, http.MethodGet, "/models", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "encode request: %s", err.Error()).WithCause(err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConnection, "%s %s: %s", method, path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s returned 404", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return schema.NewErrorf(schema.ErrCodeConnection, "%s %s returned %d: %s", method, path, resp.StatusCode, string(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode response: %s", err.Error()).WithCause(err)
	}
	return nil
}
