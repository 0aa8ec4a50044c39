// Package client talks to the taskq HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/api"
	"github.com/SirClappington/taskq/internal/domain"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (api.SubmitResponse, error) {
	var resp api.SubmitResponse
	body, err := json.Marshal(req)
	if err != nil {
		return resp, errors.Wrap(err, "client: encode request")
	}
	err = c.do(ctx, http.MethodPost, "/v1/tasks", "application/json", bytes.NewReader(body), &resp)
	return resp, err
}

// Status returns the current record. Unknown ids yield domain.ErrTaskNotFound.
func (c *Client) Status(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+id, "", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Wait polls Status until the task is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*domain.Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		task, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-tick.C:
		}
	}
}

// Upload submits contents as a filestats task.
func (c *Client) Upload(ctx context.Context, filename string, contents io.Reader) (api.SubmitResponse, error) {
	var resp api.SubmitResponse
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return resp, errors.Wrap(err, "client: build upload")
	}
	if _, err := io.Copy(fw, contents); err != nil {
		return resp, errors.Wrap(err, "client: read upload")
	}
	if err := mw.Close(); err != nil {
		return resp, errors.Wrap(err, "client: build upload")
	}
	err = c.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &buf, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "client: build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "client: %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return errors.Wrap(domain.ErrTaskNotFound, apiErr.Error())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "client: decode response")
}
